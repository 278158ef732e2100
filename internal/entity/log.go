// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"time"

	"github.com/klados-io/klados-cluster/internal/handoff"
)

// LogStatus is the terminal-or-not state of a klados log.
type LogStatus string

const (
	LogRunning LogStatus = "running"
	LogDone    LogStatus = "done"
	LogError   LogStatus = "error"
)

// Terminal reports whether status ends a log's lifecycle.
func (s LogStatus) Terminal() bool {
	return s == LogDone || s == LogError
}

// LogMessage is a free-form annotation a worker can attach to its log.
// NumCopies, when set, overrides the expected-child count computed from
// Handoffs; its exact intended use is undocumented upstream
// so this type preserves rather than interprets it.
type LogMessage struct {
	Text      string `json:"text,omitempty"`
	NumCopies *int   `json:"numCopies,omitempty"`
}

// LogReceived records what a log's invocation was handed: its parent log
// ids, the total branch count if this log is one of a scatter's children,
// and the target entity the worker is operating on.
type LogReceived struct {
	ParentLogIDs []string `json:"parent_log_ids,omitempty"`
	ScatterTotal int      `json:"scatter_total,omitempty"`
	TargetEntity string   `json:"target_entity,omitempty"`
}

// LogEntry is the nested log_data.entry payload.
type LogEntry struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Received    *LogReceived  `json:"received,omitempty"`
	Handoffs    handoff.List  `json:"handoffs,omitempty"`
	Messages    []LogMessage  `json:"messages,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Log is one worker-invocation log entity. It is created with
// status running at job start, updated additively to append handoffs, and
// sealed to done or error exactly once.
type Log struct {
	ID       string    `json:"id"`
	KladosID string    `json:"klados_id"`
	Status   LogStatus `json:"status"`
	Entry    LogEntry  `json:"log_data_entry"`

	// SentTo is the set of child log ids this log has recorded via the
	// sent_to relationship. Populated by createLog on the child side and
	// read back by the workflow-tree observer.
	SentTo []string `json:"sent_to,omitempty"`
}

// ExpectedChildren computes how many child logs this log should
// eventually produce: a message-level numCopies override takes priority;
// otherwise the handoff list is walked and summed, with an unresolved
// delegated scatter reported as unknown.
func (l *Log) ExpectedChildren() (count int, unknown bool) {
	for _, m := range l.Entry.Messages {
		if m.NumCopies != nil {
			return *m.NumCopies, false
		}
	}

	total := 0
	for _, h := range l.Entry.Handoffs {
		switch v := h.(type) {
		case *handoff.Invoke:
			total++
		case *handoff.Pass:
			total++
		case *handoff.Gather:
			total++
		case *handoff.Scatter:
			switch {
			case len(v.Outputs) > 0:
				total += len(v.Outputs)
			case len(v.Invocations) > 0:
				total += len(v.Invocations)
			case v.Delegated:
				return 0, true
			default:
				total++
			}
		}
	}
	return total, false
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handoff defines a tagged-variant representation of a worker's
// downstream action on completion, in place of an open-ended dynamic
// record. Each worker records exactly one Handoff describing what
// downstream work, if any, its completion produced.
package handoff

import (
	"encoding/json"
	"fmt"
)

// Handoff is a single recorded action a worker takes at completion.
type Handoff interface {
	// HandoffType returns the wire-format discriminator: "invoke", "pass",
	// "scatter", or "gather".
	HandoffType() string
}

// Invoke is a single downstream call.
type Invoke struct {
	Outputs []string `json:"outputs"`
}

func (*Invoke) HandoffType() string { return "invoke" }

// Pass is an unchanged hand-through to exactly one downstream log.
type Pass struct {
	Outputs []string `json:"outputs"`
}

func (*Pass) HandoffType() string { return "pass" }

// Scatter is a fan-out. Exactly one of Outputs, Invocations, or Delegated
// is meaningful at a time: an already-resolved id list, a richer
// invocation descriptor list, or a delegated scatter whose eventual
// output count is unknown until the delegate resolves it.
type Scatter struct {
	Outputs     []string         `json:"outputs,omitempty"`
	Invocations []map[string]any `json:"invocations,omitempty"`
	Delegated   bool             `json:"delegated,omitempty"`
}

func (*Scatter) HandoffType() string { return "scatter" }

// Gather is a fan-in: several upstream branches converge on one downstream
// log.
type Gather struct {
	Outputs []string `json:"outputs"`
}

func (*Gather) HandoffType() string { return "gather" }

// wireHandoff is the on-the-wire shape shared by all variants; fields that
// don't apply to a given type are simply absent after marshaling.
type wireHandoff struct {
	Type        string           `json:"type"`
	Outputs     []string         `json:"outputs,omitempty"`
	Invocations []map[string]any `json:"invocations,omitempty"`
	Delegated   bool             `json:"delegated,omitempty"`
}

// Marshal encodes a Handoff into its tagged-union wire shape
// ({type, outputs} / {type, outputs|invocations|delegated}).
func Marshal(h Handoff) ([]byte, error) {
	w := wireHandoff{Type: h.HandoffType()}
	switch v := h.(type) {
	case *Invoke:
		w.Outputs = v.Outputs
	case *Pass:
		w.Outputs = v.Outputs
	case *Gather:
		w.Outputs = v.Outputs
	case *Scatter:
		w.Outputs = v.Outputs
		w.Invocations = v.Invocations
		w.Delegated = v.Delegated
	default:
		return nil, fmt.Errorf("handoff: unknown variant %T", h)
	}
	return json.Marshal(w)
}

// Unmarshal decodes the tagged-union wire shape into a concrete Handoff.
func Unmarshal(data []byte) (Handoff, error) {
	var w wireHandoff
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("handoff: decode: %w", err)
	}
	switch w.Type {
	case "invoke":
		return &Invoke{Outputs: w.Outputs}, nil
	case "pass":
		return &Pass{Outputs: w.Outputs}, nil
	case "gather":
		return &Gather{Outputs: w.Outputs}, nil
	case "scatter":
		return &Scatter{Outputs: w.Outputs, Invocations: w.Invocations, Delegated: w.Delegated}, nil
	default:
		return nil, fmt.Errorf("handoff: unknown type %q", w.Type)
	}
}

// List is a JSON-marshalable slice of heterogeneous Handoff values. The
// standard []Handoff cannot round-trip through encoding/json on its own
// because Handoff is an interface; List supplies the (Un)MarshalJSON that
// does the per-element tagged-union dispatch.
type List []Handoff

func (l List) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(l))
	for _, h := range l {
		b, err := Marshal(h)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(raws)
}

func (l *List) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("handoff: decode list: %w", err)
	}
	out := make(List, 0, len(raws))
	for _, raw := range raws {
		h, err := Unmarshal(raw)
		if err != nil {
			return err
		}
		out = append(out, h)
	}
	*l = out
	return nil
}

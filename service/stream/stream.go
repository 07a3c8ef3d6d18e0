// Copyright 2025 PolicyForge
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream turns a completed PolicyRecord into the synthetic
// Server-Sent-Events sequence the UI consumes. The whole completion has
// already returned by the time these events are emitted; the
// character-by-character shape exists purely so the client can animate
// a typing effect with its own per-character delay.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"policyforge/platform/service/normalize"
)

// EventType tags one frame of the synthesized stream.
type EventType string

const (
	EventStart           EventType = "start"
	EventPolicyChar      EventType = "policy_char"
	EventExplanationChar EventType = "explanation_char"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

// Event is one frame of the synthesized stream. Ordering invariant:
// exactly one start, then policy_char events with ascending index
// covering the full policy, then explanation_char events likewise,
// then exactly one terminal complete or error.
type Event struct {
	Type   EventType               `json:"type"`
	Char   string                  `json:"char,omitempty"`
	Index  int                     `json:"index"`
	Record *normalize.PolicyRecord `json:"record,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Synthesize explodes a record into its event sequence. Purely derived,
// no I/O. The policy and explanation runs are sequential, never
// interleaved.
func Synthesize(rec *normalize.PolicyRecord) []Event {
	policyRunes := []rune(rec.Policy)
	explanationRunes := []rune(rec.Explanation)

	events := make([]Event, 0, len(policyRunes)+len(explanationRunes)+2)
	events = append(events, Event{Type: EventStart})

	for i, r := range policyRunes {
		events = append(events, Event{Type: EventPolicyChar, Char: string(r), Index: i})
	}
	for i, r := range explanationRunes {
		events = append(events, Event{Type: EventExplanationChar, Char: string(r), Index: i})
	}

	events = append(events, Event{Type: EventComplete, Record: rec})
	return events
}

// SynthesizeError produces the sequence for a failed request: a single
// error event, never any character events.
func SynthesizeError(message string) []Event {
	return []Event{{Type: EventError, Error: message}}
}

// WriteSSE serializes events as data: <json> frames, flushing after
// each. It stops without error on context cancellation (client abort);
// nothing further is written after an abort.
func WriteSSE(ctx context.Context, w http.ResponseWriter, events []Event) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)

	for _, event := range events {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal stream event: %w", err)
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Broken pipe from a disconnected client, not a failure.
			return nil
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	return nil
}

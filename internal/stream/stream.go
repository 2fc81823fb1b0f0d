// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream turns a raw, possibly ANSI-polluted byte stream from a
// child process into an ordered sequence of typed events. It knows nothing
// about processes, sockets, or persistence — just framing and decoding.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/opencollab/sessionrelay/pkg/protocol"
)

// EventType discriminates the events a Processor emits.
type EventType string

const (
	EventSystem                EventType = "system"
	EventText                  EventType = "text"
	EventThinking              EventType = "thinking"
	EventToolUse               EventType = "tool_use"
	EventToolResult            EventType = "tool_result"
	EventUsage                 EventType = "usage"
	EventResult                EventType = "result"
	EventControlResponse       EventType = "control_response"
	EventPermissionModeChanged EventType = "permission_mode_changed"
)

// Event is one semantic unit produced by the processor. Only the fields
// relevant to Type are populated.
type Event struct {
	Type EventType

	// system
	UpstreamSessionID string
	Model             string
	PermissionMode    string
	CWD               string
	Tools             []string

	// text / thinking
	Text string

	// tool_use
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// tool_result
	ToolResultContent string
	IsError           bool

	// usage
	Usage protocol.Usage

	// result
	ResultText string

	// control_response
	RequestID string
	OK        bool
}

// Processor holds the framing buffer and the cached permission-mode across
// an arbitrary sequence of HandleData calls. It is not safe for concurrent
// use — callers serialize reads per child, per §5 of the design.
type Processor struct {
	buf            bytes.Buffer
	permissionMode string
}

// New returns a Processor with no cached permission-mode.
func New() *Processor {
	return &Processor{}
}

// PermissionMode returns the most recently confirmed permission-mode, or the
// empty string if none has been observed yet.
func (p *Processor) PermissionMode() string {
	return p.permissionMode
}

// HandleData appends chunk to the internal buffer, extracts every complete
// line, and returns the events those lines produce. The trailing partial
// line (if any) is retained for the next call, so callers can feed bytes
// split at arbitrary boundaries and still get the same events a whole-line
// call would produce.
func (p *Processor) HandleData(chunk []byte) []Event {
	p.buf.Write(chunk)

	var events []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		events = append(events, p.handleLine(line)...)
	}
	return events
}

// handleLine strips terminal escape sequences, discards obvious non-JSON
// diagnostic output, and decodes the remainder into zero or more events.
func (p *Processor) handleLine(raw []byte) []Event {
	cleaned := stripANSI(raw)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned[0] != '{' {
		return nil
	}

	var env protocol.ChildEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return nil
	}
	return p.handleEnvelope(env)
}

func (p *Processor) handleEnvelope(env protocol.ChildEnvelope) []Event {
	switch env.Type {
	case "system":
		return p.handleSystem(env)
	case "assistant":
		return p.handleAssistant(env)
	case "user":
		return p.handleUser(env)
	case "result":
		return []Event{{
			Type:              EventResult,
			ResultText:        env.Result,
			UpstreamSessionID: env.SessionID,
		}}
	case "control_response":
		ev := Event{Type: EventControlResponse, RequestID: env.RequestID}
		if env.OK != nil {
			ev.OK = *env.OK
		}
		var echoed struct {
			Mode string `json:"mode"`
		}
		if len(env.Response) > 0 {
			_ = json.Unmarshal(env.Response, &echoed)
		}
		events := []Event{ev}
		if echoed.Mode != "" {
			events = append(events, p.updatePermissionMode(echoed.Mode)...)
		}
		return events
	default:
		return nil
	}
}

func (p *Processor) handleSystem(env protocol.ChildEnvelope) []Event {
	if env.Subtype != "init" {
		return nil
	}
	ev := Event{
		Type:              EventSystem,
		UpstreamSessionID: env.SessionID,
		Model:             env.Model,
		PermissionMode:    env.PermissionMode,
		CWD:               env.CWD,
		Tools:             env.Tools,
	}
	events := []Event{ev}
	if env.PermissionMode != "" {
		events = append(events, p.updatePermissionMode(env.PermissionMode)...)
	}
	return events
}

func (p *Processor) handleAssistant(env protocol.ChildEnvelope) []Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg protocol.AssistantMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			events = append(events, Event{Type: EventText, Text: block.Text})
		case "thinking":
			events = append(events, Event{Type: EventThinking, Text: block.Text})
		case "tool_use":
			events = append(events, Event{
				Type:      EventToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}
	}
	if msg.Usage != nil {
		events = append(events, Event{Type: EventUsage, Usage: *msg.Usage})
	}
	return events
}

func (p *Processor) handleUser(env protocol.ChildEnvelope) []Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg protocol.UserMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, Event{
			Type:              EventToolResult,
			ToolUseID:         block.ToolUseID,
			ToolResultContent: toolResultContentString(block.Content),
			IsError:           block.IsError,
		})
	}
	return events
}

// toolResultContentString normalizes a tool_result's content field, which
// the child may emit as a bare string or as a structured value, into the
// flat string the history model stores.
func toolResultContentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// updatePermissionMode caches mode and, iff it actually changed, emits a
// permission_mode_changed event.
func (p *Processor) updatePermissionMode(mode string) []Event {
	if mode == p.permissionMode {
		return nil
	}
	p.permissionMode = mode
	return []Event{{Type: EventPermissionModeChanged, PermissionMode: mode}}
}

// NormalizePermissionMode maps the external aliases the spec accepts onto
// the three canonical modes.
func NormalizePermissionMode(mode string) string {
	switch mode {
	case "normal", "ask":
		return "default"
	case "auto-edit", "autoEdit":
		return "acceptEdits"
	default:
		return mode
	}
}

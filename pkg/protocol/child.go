// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire shapes exchanged with the child process
// (NDJSON on stdio); the capability server's request/response shapes live in
// internal/capability. It intentionally has no behavior — just types and small helpers
// for building outbound frames.
package protocol

import "encoding/json"

// ChildEnvelope is the outer shape of every line the child emits. Individual
// fields are populated depending on Type/Subtype; unknown fields are
// tolerated by round-tripping through json.RawMessage where the inner shape
// varies by variant.
type ChildEnvelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`

	// system init
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`

	// assistant / user
	Message json.RawMessage `json:"message,omitempty"`

	// result
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// control_response
	RequestID string          `json:"request_id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
}

// AssistantMessage is the `message` payload of an `assistant` envelope.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// UserMessage is the `message` payload of a `user` envelope carrying tool
// results back from the child.
type UserMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock mirrors one block of an assistant or user message.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is the four token counters the child reports per assistant turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// UserInputFrame is written to the child's stdin to deliver one user turn.
type UserInputFrame struct {
	Type    string              `json:"type"`
	Message UserInputFrameInner `json:"message"`
}

// UserInputFrameInner is the `message` field of UserInputFrame.
type UserInputFrameInner struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserTextFrame builds the NDJSON frame for a plain-text user turn.
func NewUserTextFrame(text string) UserInputFrame {
	return UserInputFrame{
		Type: "user",
		Message: UserInputFrameInner{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// ControlRequestFrame is written to the child's stdin to change runtime
// behavior in-band (currently: permission-mode changes).
type ControlRequestFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   ControlRequest `json:"request"`
}

// ControlRequest is the inner payload of a ControlRequestFrame.
type ControlRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// NewSetPermissionModeFrame builds the control_request frame that asks the
// child to switch permission modes.
func NewSetPermissionModeFrame(requestID, mode string) ControlRequestFrame {
	return ControlRequestFrame{
		Type:      "control_request",
		RequestID: requestID,
		Request:   ControlRequest{Subtype: "set_permission_mode", Mode: mode},
	}
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge is the client-facing socket server: it accepts client
// connections, routes client intents to the session store and runner
// manager, fans out runner events to the right client connection(s), and
// broadcasts global telemetry.
//
// Grounded directly on the teacher's internal/api/handlers/claude.go
// (serveSession's subscribe-before-start ordering, ping/pong keepalive,
// client-message dispatch loop) generalized from a single Claude-CLI
// integration onto the spec's session/runner/capability domain.
package bridge

import "encoding/json"

// ClientMessage is one inbound, client-originated frame.
type ClientMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Name       string          `json:"name,omitempty"`
	WorkingDir string          `json:"workingDir,omitempty"`
	Content    string          `json:"content,omitempty"`
	Images     []string        `json:"images,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Model      string          `json:"model,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`
}

// Outbound message payload shapes. Each is marshaled directly (Type and
// SessionID are fields of the shape itself, not wrapped in an envelope) —
// matching the teacher's flat client-message JSON shape.

type sessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type sessionListMsg struct {
	Type     string        `json:"type"`
	Sessions []sessionView `json:"sessions"`
}

type sessionView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	UpstreamSessionID string `json:"upstreamSessionId,omitempty"`
	Model             string `json:"model,omitempty"`
}

type errorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type statusChangedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type textOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type thinkingOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type toolUseMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type toolResultMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError"`
}

type askUserQuestionMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type usageInfoMsg struct {
	Type                     string `json:"type"`
	SessionID                string `json:"sessionId"`
	InputTokens              int    `json:"inputTokens"`
	OutputTokens             int    `json:"outputTokens"`
	CacheCreationInputTokens int    `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int    `json:"cacheReadInputTokens"`
}

type systemInfoMsg struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId"`
	UpstreamSessionID string `json:"upstreamSessionId,omitempty"`
	PermissionMode    string `json:"permissionMode,omitempty"`
}

type resultMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Result    string `json:"result"`
}

type permissionModeChangedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

type permissionRequestMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type transcriptMsg struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	Transcript json.RawMessage `json:"transcript"`
}

type globalUsageMsg struct {
	Type         string  `json:"type"`
	DailyTokens  int     `json:"dailyTokens"`
	TotalTokens  int     `json:"totalTokens"`
	DailyCostUSD float64 `json:"dailyCostUsd"`
	TotalCostUSD float64 `json:"totalCostUsd"`
}

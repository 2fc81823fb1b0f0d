// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session holds the data model and the durable/ephemeral store for
// sessions, their message history, and external thread bindings.
//
// Grounded on the teacher's internal/claude.Session/Manager (process
// lifecycle and persist-on-mutation shape) and internal/claude/store.go
// (atomic-write persistence discipline), generalized from the teacher's
// flat JSON files onto an embedded SQLite database per the domain-stack
// expansion.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is one of a session's lifecycle states.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusRunning           Status = "running"
	StatusWaitingPermission Status = "waiting_permission"
	StatusWaitingInput      Status = "waiting_input"
)

// TokenCounters tracks the four counters the child reports per turn.
type TokenCounters struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
}

// Add returns the elementwise sum of c and other.
func (c TokenCounters) Add(other TokenCounters) TokenCounters {
	return TokenCounters{
		InputTokens:              c.InputTokens + other.InputTokens,
		OutputTokens:             c.OutputTokens + other.OutputTokens,
		CacheCreationInputTokens: c.CacheCreationInputTokens + other.CacheCreationInputTokens,
		CacheReadInputTokens:     c.CacheReadInputTokens + other.CacheReadInputTokens,
	}
}

// Session is the persisted or in-memory record of one orchestrated
// conversation.
type Session struct {
	ID                string
	Name              string
	WorkingDir        string
	Status            Status
	CreatedAt         time.Time
	UpstreamSessionID string
	Model             string
	PermissionMode    string
	Usage             TokenCounters
	UsageByModel      map[string]TokenCounters
	Ephemeral         bool
	TrashedAt         *time.Time
}

// MessageKind discriminates MessageItem variants.
type MessageKind string

const (
	MessageUser       MessageKind = "user"
	MessageAssistant  MessageKind = "assistant"
	MessageThinking   MessageKind = "thinking"
	MessageToolUse    MessageKind = "tool_use"
	MessageToolResult MessageKind = "tool_result"
	MessageQuestion   MessageKind = "question"
	MessageSystemInfo MessageKind = "system_info"
)

// MessageItem is one append-only entry in a session's history.
type MessageItem struct {
	Seq       int
	Kind      MessageKind
	Text      string          // User, Assistant, Thinking
	ToolUseID string          // ToolUse, ToolResult
	ToolName  string          // ToolUse
	ToolInput json.RawMessage // ToolUse
	Content   string          // ToolResult
	IsError   bool            // ToolResult
	RequestID string          // Question
	Options   json.RawMessage // Question
	Snapshot  json.RawMessage // SystemInfo
	Timestamp time.Time
}

// PermissionPattern is one allow/deny rule: toolName identifies the match
// target, pattern matches the tool's canonical value per the permission
// package's grammar.
type PermissionPattern struct {
	ToolName string
	Pattern  string
	Allow    bool
}

// ThreadBinding maps an external integration's (team, channel, thread)
// tuple onto an internal session id.
type ThreadBinding struct {
	Team      string
	Channel   string
	Thread    string
	SessionID string
}

// Key returns the binding's composite lookup key.
func (b ThreadBinding) Key() string {
	return b.Team + "\x00" + b.Channel + "\x00" + b.Thread
}

var (
	// ErrNotFound is returned when a session id has no matching record.
	ErrNotFound = errors.New("session: not found")
	// ErrBindingExists is returned by SaveBinding when the (team, channel,
	// thread) tuple is already bound to a different session id.
	ErrBindingExists = errors.New("session: binding already exists")
	// ErrSchemaMismatch is returned by ImportSession when the transcript's
	// schema identifier is not one this store understands.
	ErrSchemaMismatch = errors.New("session: transcript schema mismatch")
)

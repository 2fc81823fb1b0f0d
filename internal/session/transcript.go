// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "time"

// TranscriptSchema identifies the export format's wire shape so an older
// importer can refuse a newer schema instead of silently mis-parsing it.
const TranscriptSchema = "sessionrelay.transcript.v1"

// ExportLevel controls how much of a message's payload survives export.
type ExportLevel string

const (
	// ExportFull keeps every field of every message.
	ExportFull ExportLevel = "full"
	// ExportSummary strips tool inputs/outputs, keeping only the shape of
	// the conversation (who spoke, which tools ran).
	ExportSummary ExportLevel = "summary"
)

// Transcript is the full export format for one session's history.
type Transcript struct {
	Schema     string            `json:"schema"`
	ExportedAt time.Time         `json:"exportedAt"`
	Source     TranscriptSource  `json:"source"`
	Messages   []MessageItem     `json:"messages"`
	Stats      TranscriptStats   `json:"stats"`
}

// TranscriptSource records where the transcript came from.
type TranscriptSource struct {
	SessionID  string    `json:"sessionId"`
	Name       string    `json:"name,omitempty"`
	WorkingDir string    `json:"workingDir,omitempty"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TranscriptStats summarizes a message list for quick inspection without
// walking the full transcript.
type TranscriptStats struct {
	MessageCount   int `json:"messageCount"`
	UserTurns      int `json:"userTurns"`
	AssistantTurns int `json:"assistantTurns"`
	ToolUses       int `json:"toolUses"`
}

// ComputeTranscriptStats derives TranscriptStats from a message list.
func ComputeTranscriptStats(messages []MessageItem) TranscriptStats {
	var stats TranscriptStats
	stats.MessageCount = len(messages)
	for _, msg := range messages {
		switch msg.Kind {
		case MessageUser:
			stats.UserTurns++
		case MessageAssistant:
			stats.AssistantTurns++
		case MessageToolUse:
			stats.ToolUses++
		}
	}
	return stats
}

// summarizeMessages strips tool payloads for the "summary" export level,
// keeping the shape of the conversation without its content.
func summarizeMessages(messages []MessageItem) []MessageItem {
	result := make([]MessageItem, len(messages))
	for i, msg := range messages {
		summarized := msg
		switch msg.Kind {
		case MessageToolUse:
			summarized.ToolInput = nil
		case MessageToolResult:
			summarized.Content = "[redacted]"
		}
		result[i] = summarized
	}
	return result
}

// ExportSession builds a Transcript of sess's full history at the given
// level. The caller supplies "now", which becomes the transcript's
// ExportedAt stamp.
func (s *Store) ExportSession(id string, level ExportLevel, now time.Time) (*Transcript, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	history, err := s.GetHistory(id)
	if err != nil {
		return nil, err
	}

	messages := history
	if level == ExportSummary {
		messages = summarizeMessages(history)
	}

	return &Transcript{
		Schema:     TranscriptSchema,
		ExportedAt: now,
		Source: TranscriptSource{
			SessionID:  sess.ID,
			Name:       sess.Name,
			WorkingDir: sess.WorkingDir,
			Model:      sess.Model,
			CreatedAt:  sess.CreatedAt,
		},
		Messages: messages,
		Stats:    ComputeTranscriptStats(messages),
	}, nil
}

// ImportSession creates a new durable session seeded from t's message log,
// under a caller-chosen id. It returns ErrSchemaMismatch if t.Schema is not
// one this store understands.
func (s *Store) ImportSession(id string, t *Transcript) (*Session, error) {
	if t.Schema != TranscriptSchema {
		return nil, ErrSchemaMismatch
	}

	name := t.Source.Name
	if name == "" {
		name = "imported-" + id
	}
	if _, err := s.CreateSession(CreateOptions{
		ID:         id,
		Name:       name,
		WorkingDir: t.Source.WorkingDir,
	}); err != nil {
		return nil, err
	}
	if t.Source.Model != "" {
		if err := s.SetModel(id, t.Source.Model); err != nil {
			return nil, err
		}
	}

	for _, item := range t.Messages {
		item.Seq = 0
		if err := s.AddToHistory(id, item); err != nil {
			return nil, err
		}
	}

	return s.GetSession(id)
}

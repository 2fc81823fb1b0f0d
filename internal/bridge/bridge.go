// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencollab/sessionrelay/internal/capability"
	"github.com/opencollab/sessionrelay/internal/runner"
	"github.com/opencollab/sessionrelay/internal/runnermanager"
	"github.com/opencollab/sessionrelay/internal/session"
	"github.com/opencollab/sessionrelay/internal/stream"
)

// Client is anything the Bridge can push a server message to — normally a
// websocket connection, abstracted here so the dispatch/translation logic
// is testable without a real socket.
type Client interface {
	Send(v interface{}) error
}

// RunnerOptionsFactory builds the runner.Options for a freshly started
// session, letting the binary wiring (child path, container image,
// capability endpoint) live outside this package.
type RunnerOptionsFactory func(sessionID string, permissionMode string) runner.Options

// Bridge is the client-facing socket server described in §4.7: it routes
// client intents to the SessionStore/RunnerManager, and translates runner
// events into SessionStore side-effects plus client-facing messages.
type Bridge struct {
	store      *session.Store
	runners    *runnermanager.Manager
	capServer  *capability.Server
	optionsFor RunnerOptionsFactory
	tmpDir     string

	mu                sync.Mutex
	allClients        map[Client]struct{}
	sessionListeners  map[string]Client
	turnBuffers       map[string]*turnBuffer
	pendingPermission map[string]string // requestID -> sessionID
}

// New wires a Bridge to its store, runner manager, and capability server.
// If capServer is non-nil, its callbacks are set to route through this
// Bridge. tmpDir is where per-session external resources (capability
// config, image attachments) are written and later released on exit; it
// may be empty in tests that never exercise those paths.
func New(store *session.Store, runners *runnermanager.Manager, capServer *capability.Server, optionsFor RunnerOptionsFactory, tmpDir string) *Bridge {
	b := &Bridge{
		store:             store,
		runners:           runners,
		capServer:         capServer,
		optionsFor:        optionsFor,
		tmpDir:            tmpDir,
		allClients:        make(map[Client]struct{}),
		sessionListeners:  make(map[string]Client),
		turnBuffers:       make(map[string]*turnBuffer),
		pendingPermission: make(map[string]string),
	}
	if capServer != nil {
		capServer.OnPermissionRequest = b.handlePermissionRequest
		capServer.OnTimeout = b.handlePermissionTimeout
		capServer.OnDisconnect = b.handlePermissionDisconnect
	}
	return b
}

// RegisterClient adds c to the broadcast set.
func (b *Bridge) RegisterClient(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allClients[c] = struct{}{}
}

// UnregisterClient removes c from the broadcast set and from any session
// it was listening on. Per §5, a dropped client connection does not stop a
// running session — state remains recoverable by attach_session.
func (b *Bridge) UnregisterClient(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allClients, c)
	for sid, listener := range b.sessionListeners {
		if listener == c {
			delete(b.sessionListeners, sid)
		}
	}
}

// Broadcast sends v to every registered client, logging (not failing) on
// write errors so one slow/dead client can't block the others.
func (b *Bridge) Broadcast(v interface{}) {
	b.mu.Lock()
	clients := make([]Client, 0, len(b.allClients))
	for c := range b.allClients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(v); err != nil {
			log.Printf("bridge: broadcast: %v", err)
		}
	}
}

func (b *Bridge) sendTo(sessionID string, v interface{}) {
	b.mu.Lock()
	listener := b.sessionListeners[sessionID]
	b.mu.Unlock()
	if listener == nil {
		return
	}
	if err := listener.Send(v); err != nil {
		log.Printf("bridge: send to session %s: %v", sessionID, err)
	}
}

func (b *Bridge) attach(sessionID string, c Client) {
	b.mu.Lock()
	b.sessionListeners[sessionID] = c
	b.mu.Unlock()
}

// HandleClientMessage dispatches one inbound client frame.
func (b *Bridge) HandleClientMessage(ctx context.Context, c Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = c.Send(errorMsg{Type: "error", Message: fmt.Sprintf("unknown intent: %v", err)})
		return
	}

	switch msg.Type {
	case "list_sessions":
		b.handleListSessions(c)
	case "create_session":
		b.handleCreateSession(c, msg)
	case "attach_session":
		b.handleAttachSession(ctx, c, msg)
	case "delete_session":
		b.handleDeleteSession(c, msg)
	case "rename_session":
		b.handleRenameSession(c, msg)
	case "set_permission_mode":
		b.handleSetPermissionMode(c, msg)
	case "set_model":
		b.handleSetModel(c, msg)
	case "user_message":
		b.handleUserMessage(ctx, c, msg)
	case "interrupt":
		b.handleInterrupt(c, msg)
	case "permission_response":
		b.handlePermissionResponse(c, msg)
	case "question_response":
		b.handleQuestionResponse(c, msg)
	case "compact_session":
		b.handleCompactSession(ctx, c, msg)
	case "export_session":
		b.handleExportSession(c, msg)
	default:
		_ = c.Send(errorMsg{Type: "error", Message: fmt.Sprintf("unknown intent %q", msg.Type)})
	}
}

func (b *Bridge) handleListSessions(c Client) {
	sessions, err := b.store.ListSessions()
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", Message: err.Error()})
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{ID: s.ID, Name: s.Name, Status: string(s.Status), UpstreamSessionID: s.UpstreamSessionID, Model: s.Model})
	}
	_ = c.Send(sessionListMsg{Type: "session_list", Sessions: views})
}

func (b *Bridge) handleCreateSession(c Client, msg ClientMessage) {
	id := uuid.NewString()
	_, err := b.store.CreateSession(session.CreateOptions{ID: id, Name: msg.Name, WorkingDir: msg.WorkingDir})
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", Message: err.Error()})
		return
	}
	_ = c.Send(sessionCreatedMsg{Type: "session_created", SessionID: id})
}

func (b *Bridge) handleAttachSession(ctx context.Context, c Client, msg ClientMessage) {
	if _, err := b.store.GetSession(msg.SessionID); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: "session not found"})
		return
	}
	b.attach(msg.SessionID, c)
}

func (b *Bridge) handleDeleteSession(c Client, msg ClientMessage) {
	_ = b.runners.StopSession(msg.SessionID)
	if err := b.store.DeleteSession(msg.SessionID); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}
	b.mu.Lock()
	delete(b.sessionListeners, msg.SessionID)
	delete(b.turnBuffers, msg.SessionID)
	b.mu.Unlock()
}

func (b *Bridge) handleRenameSession(c Client, msg ClientMessage) {
	if err := b.store.RenameSession(msg.SessionID, msg.Name); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
}

func (b *Bridge) handleSetPermissionMode(c Client, msg ClientMessage) {
	r := b.runners.GetRunner(msg.SessionID)
	if r == nil || !r.Running() {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: "session not running"})
		return
	}
	target := stream.NormalizePermissionMode(msg.Mode)
	sess, err := b.store.GetSession(msg.SessionID)
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}
	if sess.PermissionMode == target {
		return // no-op per §4.3 step 1
	}
	if err := r.SendControlRequest(uuid.NewString(), "set_permission_mode", target); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
	// The actual transition is confirmed asynchronously by the child's
	// echoed system/control_response event; see onRunnerEvent.
}

func (b *Bridge) handleSetModel(c Client, msg ClientMessage) {
	if err := b.store.SetModel(msg.SessionID, msg.Model); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
}

func (b *Bridge) handleUserMessage(ctx context.Context, c Client, msg ClientMessage) {
	b.attach(msg.SessionID, c)

	if err := b.store.AddToHistory(msg.SessionID, session.MessageItem{Kind: session.MessageUser, Text: msg.Content}); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}

	if b.runners.HasRunningSession(msg.SessionID) {
		r := b.runners.GetRunner(msg.SessionID)
		if err := r.SendUserMessage(msg.Content); err != nil {
			_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		}
		return
	}

	sess, err := b.store.GetSession(msg.SessionID)
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}

	opts := b.optionsFor(msg.SessionID, sess.PermissionMode)
	opts.UpstreamSessionID = sess.UpstreamSessionID
	opts.WorkingDir = sess.WorkingDir

	if len(msg.Images) > 0 {
		paths, err := writeImageAttachments(b.tmpDir, msg.SessionID, msg.Images)
		if err != nil {
			_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
			return
		}
		opts.ImageAttachments = paths
	}

	_ = b.store.UpdateSessionStatus(msg.SessionID, session.StatusRunning)

	err = b.runners.StartSession(ctx, msg.SessionID, msg.Content, opts, b.onRunnerEvent(msg.SessionID))
	if err != nil {
		_ = b.store.UpdateSessionStatus(msg.SessionID, session.StatusIdle)
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
}

func (b *Bridge) handleInterrupt(c Client, msg ClientMessage) {
	if err := b.runners.StopSession(msg.SessionID); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
}

func (b *Bridge) handlePermissionResponse(c Client, msg ClientMessage) {
	var body capability.PermissionBody
	if err := json.Unmarshal(msg.Response, &body); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}
	if b.capServer == nil {
		return
	}
	if err := b.capServer.Respond(msg.SessionID, msg.RequestID, body); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}
	b.mu.Lock()
	delete(b.pendingPermission, msg.RequestID)
	b.mu.Unlock()
	_ = b.store.UpdateSessionStatus(msg.SessionID, session.StatusRunning)
}

// handleQuestionResponse answers a pending AskUserQuestion tool_use by
// relaying the client's selection back to the child as an ordinary user
// turn — the child protocol has no dedicated answer frame, so this reuses
// the same {"type":"user",...} shape every other turn uses.
func (b *Bridge) handleQuestionResponse(c Client, msg ClientMessage) {
	_ = b.store.UpdateSessionStatus(msg.SessionID, session.StatusRunning)
	r := b.runners.GetRunner(msg.SessionID)
	if r == nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: "session not running"})
		return
	}
	if err := r.SendUserMessage(string(msg.Answers)); err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
	}
}

// handleCompactSession implements open question 2's resolution: refuse if
// the session is currently running, otherwise issue a summary turn whose
// result is appended as an ordinary assistant message — no prior history
// is rewritten.
func (b *Bridge) handleCompactSession(ctx context.Context, c Client, msg ClientMessage) {
	if b.runners.HasRunningSession(msg.SessionID) {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: "cannot compact while running"})
		return
	}
	b.handleUserMessage(ctx, c, ClientMessage{Type: "user_message", SessionID: msg.SessionID, Content: "Please summarize this conversation so far."})
}

// handleExportSession answers with a transcript of the session's history. msg.Mode carries the export level ("summary" redacts
// tool payloads); anything else defaults to full fidelity.
func (b *Bridge) handleExportSession(c Client, msg ClientMessage) {
	level := session.ExportFull
	if msg.Mode == string(session.ExportSummary) {
		level = session.ExportSummary
	}

	transcript, err := b.store.ExportSession(msg.SessionID, level, time.Now())
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		_ = c.Send(errorMsg{Type: "error", SessionID: msg.SessionID, Message: err.Error()})
		return
	}

	_ = c.Send(transcriptMsg{Type: "transcript", SessionID: msg.SessionID, Transcript: data})
}

// onRunnerEvent builds the RunnerManager callback for sessionID: the
// outbound event translation table from §4.7.
func (b *Bridge) onRunnerEvent(sessionID string) func(runner.Event) {
	b.mu.Lock()
	b.turnBuffers[sessionID] = &turnBuffer{}
	b.mu.Unlock()

	return func(ev runner.Event) {
		switch ev.Kind {
		case runner.EventKind(stream.EventSystem):
			b.onSystem(sessionID, ev.Inner)
		case runner.EventKind(stream.EventText):
			b.onText(sessionID, ev.Inner)
		case runner.EventKind(stream.EventThinking):
			b.onThinking(sessionID, ev.Inner)
		case runner.EventKind(stream.EventToolUse):
			b.onToolUse(sessionID, ev.Inner)
		case runner.EventKind(stream.EventToolResult):
			b.onToolResult(sessionID, ev.Inner)
		case runner.EventKind(stream.EventUsage):
			b.onUsage(sessionID, ev.Inner)
		case runner.EventKind(stream.EventResult):
			b.onResult(sessionID, ev.Inner)
		case runner.EventKind(stream.EventPermissionModeChanged):
			b.onPermissionModeChanged(sessionID, ev.Inner)
		case runner.ExitEvent:
			b.onExit(sessionID, ev)
		}
	}
}

func (b *Bridge) onSystem(sessionID string, ev stream.Event) {
	if ev.UpstreamSessionID != "" {
		_ = b.store.SetUpstreamSessionID(sessionID, ev.UpstreamSessionID)
	}
	if ev.Model != "" {
		_ = b.store.SetModel(sessionID, ev.Model)
	}
	b.sendTo(sessionID, systemInfoMsg{Type: "system_info", SessionID: sessionID, UpstreamSessionID: ev.UpstreamSessionID, PermissionMode: ev.PermissionMode})
}

func (b *Bridge) onText(sessionID string, ev stream.Event) {
	b.mu.Lock()
	buf := b.turnBuffers[sessionID]
	b.mu.Unlock()
	if buf != nil {
		buf.addText(ev.Text)
	}
	b.sendTo(sessionID, textOutputMsg{Type: "text_output", SessionID: sessionID, Text: ev.Text})
}

func (b *Bridge) onThinking(sessionID string, ev stream.Event) {
	b.mu.Lock()
	buf := b.turnBuffers[sessionID]
	b.mu.Unlock()
	if buf != nil {
		buf.addThinking(ev.Text)
	}
	b.sendTo(sessionID, thinkingOutputMsg{Type: "thinking_output", SessionID: sessionID, Text: ev.Text})
}

const askUserQuestionTool = "AskUserQuestion"

func (b *Bridge) onToolUse(sessionID string, ev stream.Event) {
	if ev.ToolName == askUserQuestionTool {
		_ = b.store.AddToHistory(sessionID, session.MessageItem{Kind: session.MessageQuestion, RequestID: ev.ToolUseID, Options: ev.ToolInput})
		_ = b.store.UpdateSessionStatus(sessionID, session.StatusWaitingInput)
		b.sendTo(sessionID, askUserQuestionMsg{Type: "ask_user_question", SessionID: sessionID, ToolUseID: ev.ToolUseID, Input: ev.ToolInput})
		return
	}
	_ = b.store.AddToHistory(sessionID, session.MessageItem{Kind: session.MessageToolUse, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
	b.sendTo(sessionID, toolUseMsg{Type: "tool_use", SessionID: sessionID, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Input: ev.ToolInput})
}

func (b *Bridge) onToolResult(sessionID string, ev stream.Event) {
	_ = b.store.AddToHistory(sessionID, session.MessageItem{Kind: session.MessageToolResult, ToolUseID: ev.ToolUseID, Content: ev.ToolResultContent, IsError: ev.IsError})
	b.sendTo(sessionID, toolResultMsg{Type: "tool_result", SessionID: sessionID, ToolUseID: ev.ToolUseID, Content: ev.ToolResultContent, IsError: ev.IsError})
}

func (b *Bridge) onUsage(sessionID string, ev stream.Event) {
	counters := session.TokenCounters{
		InputTokens:              ev.Usage.InputTokens,
		OutputTokens:             ev.Usage.OutputTokens,
		CacheCreationInputTokens: ev.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     ev.Usage.CacheReadInputTokens,
	}
	_ = b.store.AddUsage(sessionID, counters)
	if sess, err := b.store.GetSession(sessionID); err == nil && sess.Model != "" {
		_ = b.store.AddModelUsage(sessionID, sess.Model, counters)
	}
	b.sendTo(sessionID, usageInfoMsg{
		Type: "usage_info", SessionID: sessionID,
		InputTokens: counters.InputTokens, OutputTokens: counters.OutputTokens,
		CacheCreationInputTokens: counters.CacheCreationInputTokens, CacheReadInputTokens: counters.CacheReadInputTokens,
	})
}

func (b *Bridge) onResult(sessionID string, ev stream.Event) {
	b.flushTurnBuffer(sessionID)
	_ = b.store.UpdateSessionStatus(sessionID, session.StatusIdle)
	b.sendTo(sessionID, resultMsg{Type: "result", SessionID: sessionID, Result: ev.ResultText})
}

func (b *Bridge) onPermissionModeChanged(sessionID string, ev stream.Event) {
	_ = b.store.SetPermissionMode(sessionID, ev.PermissionMode)
	b.sendTo(sessionID, permissionModeChangedMsg{Type: "permission_mode_changed", SessionID: sessionID, Mode: ev.PermissionMode})
}

func (b *Bridge) onExit(sessionID string, ev runner.Event) {
	b.flushTurnBuffer(sessionID)
	_ = b.store.UpdateSessionStatus(sessionID, session.StatusIdle)
	b.mu.Lock()
	delete(b.turnBuffers, sessionID)
	b.mu.Unlock()
	b.releaseSessionResources(sessionID)
}

// releaseSessionResources implements §4.7's exit side-effect: the
// capability config file and any image attachments this session wrote are
// owned by it alone, so they are removed unconditionally on exit rather
// than left for the next run to collide with.
func (b *Bridge) releaseSessionResources(sessionID string) {
	if b.tmpDir == "" {
		return
	}
	if err := capability.RemoveConfig(b.tmpDir, sessionID); err != nil {
		log.Printf("bridge: remove capability config for %s: %v", sessionID, err)
	}
	if err := removeImageAttachments(b.tmpDir, sessionID); err != nil {
		log.Printf("bridge: remove image attachments for %s: %v", sessionID, err)
	}
}

// flushTurnBuffer commits the turn's accumulated thinking/text as at most
// two history entries, per the turn-buffer invariant.
func (b *Bridge) flushTurnBuffer(sessionID string) {
	b.mu.Lock()
	buf := b.turnBuffers[sessionID]
	b.mu.Unlock()
	if buf == nil || buf.isEmpty() {
		return
	}
	thinking, text := buf.drain()
	if thinking != "" {
		_ = b.store.AddToHistory(sessionID, session.MessageItem{Kind: session.MessageThinking, Text: thinking})
	}
	if text != "" {
		_ = b.store.AddToHistory(sessionID, session.MessageItem{Kind: session.MessageAssistant, Text: text})
	}
}

// handlePermissionRequest is wired as the capability.Server's
// OnPermissionRequest: it marks the session WaitingPermission and forwards
// the request to the session's client listener.
func (b *Bridge) handlePermissionRequest(req capability.Request) {
	_ = b.store.UpdateSessionStatus(req.SessionID, session.StatusWaitingPermission)
	b.mu.Lock()
	b.pendingPermission[req.RequestID] = req.SessionID
	b.mu.Unlock()
	b.sendTo(req.SessionID, permissionRequestMsg{Type: "permission_request", SessionID: req.SessionID, RequestID: req.RequestID, ToolName: req.ToolName, Input: req.Input})
}

// handlePermissionTimeout implements §4.6's expiry path: the capability
// server has already synthesized the deny to the child; here we surface
// the error to the session and let its status return to Running (then
// Idle on the child's next event, normally its own exit/result).
func (b *Bridge) handlePermissionTimeout(sessionID, requestID string) {
	b.mu.Lock()
	delete(b.pendingPermission, requestID)
	b.mu.Unlock()
	_ = b.store.UpdateSessionStatus(sessionID, session.StatusRunning)
	b.sendTo(sessionID, errorMsg{Type: "error", SessionID: sessionID, Message: "permission request timed out"})
}

// handlePermissionDisconnect implements §4.6's recovery path: the child
// connection closed before any response arrived, so the pending
// permission resolves as a denial from the client's perspective, observed
// as the session returning to Idle.
func (b *Bridge) handlePermissionDisconnect(sessionID string, pendingRequestIDs []string) {
	b.mu.Lock()
	for _, id := range pendingRequestIDs {
		delete(b.pendingPermission, id)
	}
	b.mu.Unlock()
	_ = b.store.UpdateSessionStatus(sessionID, session.StatusIdle)
}

// BroadcastGlobalUsage periodically pushes a global_usage rollup to every
// connected client until ctx is cancelled.
func (b *Bridge) BroadcastGlobalUsage(ctx context.Context, interval time.Duration, rollup func() (dailyTokens, totalTokens int, dailyCostUSD, totalCostUSD float64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			daily, total, dailyCost, totalCost := rollup()
			b.Broadcast(globalUsageMsg{Type: "global_usage", DailyTokens: daily, TotalTokens: total, DailyCostUSD: dailyCost, TotalCostUSD: totalCost})
		}
	}
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	working_dir TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	upstream_session_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
	usage_by_model TEXT NOT NULL DEFAULT '{}',
	trashed_at TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	PRIMARY KEY (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS bindings (
	team TEXT NOT NULL,
	channel TEXT NOT NULL,
	thread TEXT NOT NULL,
	session_id TEXT NOT NULL UNIQUE,
	PRIMARY KEY (team, channel, thread)
);
`

// Store is the durable + ephemeral persistence tier for sessions, their
// message history, and thread bindings. The durable tier is an embedded
// SQLite database (pure-Go driver, no cgo); the ephemeral tier lives only
// in memory until a persistence-worthy mutation promotes it.
type Store struct {
	db *sql.DB

	mu                sync.Mutex
	ephemeral         map[string]*Session
	ephemeralMessages map[string][]MessageItem

	pendingMu sync.Mutex
	pending   map[string]struct{}

	sf singleflight.Group
}

// Open creates or attaches to the SQLite database at path (":memory:" is
// valid, and is what tests use) and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single connection avoids SQLITE_BUSY on :memory:

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("session: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("session: create schema: %w", err)
	}

	return &Store{
		db:                db,
		ephemeral:         make(map[string]*Session),
		ephemeralMessages: make(map[string][]MessageItem),
		pending:           make(map[string]struct{}),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateOptions configures CreateSession.
type CreateOptions struct {
	ID         string
	Name       string // empty name => ephemeral session
	WorkingDir string
}

// CreateSession inserts a new session. A session created with no explicit
// name is held only in memory (I5) until the first durability-triggering
// mutation.
func (s *Store) CreateSession(opts CreateOptions) (*Session, error) {
	sess := &Session{
		ID:           opts.ID,
		Name:         opts.Name,
		WorkingDir:   opts.WorkingDir,
		Status:       StatusIdle,
		CreatedAt:    time.Now().UTC(),
		Ephemeral:    opts.Name == "",
		UsageByModel: make(map[string]TokenCounters),
	}

	if sess.Ephemeral {
		s.mu.Lock()
		s.ephemeral[sess.ID] = sess
		s.mu.Unlock()
		return sess, nil
	}

	if err := s.insertDurable(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) insertDurable(sess *Session) error {
	usageJSON, err := json.Marshal(sess.UsageByModel)
	if err != nil {
		return fmt.Errorf("session: marshal usage_by_model: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, name, working_dir, status, created_at, upstream_session_id, model, permission_mode, input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens, usage_by_model, trashed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.WorkingDir, string(sess.Status), sess.CreatedAt.Format(time.RFC3339Nano),
		sess.UpstreamSessionID, sess.Model, sess.PermissionMode,
		sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.Usage.CacheCreationInputTokens, sess.Usage.CacheReadInputTokens,
		string(usageJSON), trashedAtColumn(sess.TrashedAt),
	)
	if err != nil {
		return fmt.Errorf("session: insert session: %w", err)
	}
	return nil
}

func trashedAtColumn(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// IsEphemeral reports whether id currently lives only in memory.
func (s *Store) IsEphemeral(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ephemeral[id]
	return ok
}

// GetSession returns the session record for id, checking the ephemeral tier
// first.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.ephemeral[id]; ok {
		cp := *sess
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	return s.getDurable(id)
}

func (s *Store) getDurable(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, name, working_dir, status, created_at, upstream_session_id, model, permission_mode,
		        input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens, usage_by_model, trashed_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get session: %w", err)
	}
	return sess, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		sess       Session
		createdAt  string
		usageJSON  string
		trashedAt  sql.NullString
		statusStr  string
	)
	err := row.Scan(
		&sess.ID, &sess.Name, &sess.WorkingDir, &statusStr, &createdAt,
		&sess.UpstreamSessionID, &sess.Model, &sess.PermissionMode,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens, &sess.Usage.CacheCreationInputTokens, &sess.Usage.CacheReadInputTokens,
		&usageJSON, &trashedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = Status(statusStr)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		sess.CreatedAt = t
	}
	sess.UsageByModel = make(map[string]TokenCounters)
	_ = json.Unmarshal([]byte(usageJSON), &sess.UsageByModel)
	if trashedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, trashedAt.String); perr == nil {
			sess.TrashedAt = &t
		}
	}
	return &sess, nil
}

// ListSessions returns ephemeral sessions first, then durable sessions by
// recency, per the spec's listing order.
func (s *Store) ListSessions() ([]*Session, error) {
	s.mu.Lock()
	var ephemeral []*Session
	for _, sess := range s.ephemeral {
		cp := *sess
		ephemeral = append(ephemeral, &cp)
	}
	s.mu.Unlock()
	sort.Slice(ephemeral, func(i, j int) bool { return ephemeral[i].CreatedAt.Before(ephemeral[j].CreatedAt) })

	rows, err := s.db.Query(
		`SELECT id, name, working_dir, status, created_at, upstream_session_id, model, permission_mode,
		        input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens, usage_by_model, trashed_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	var durable []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan session: %w", err)
		}
		durable = append(durable, sess)
	}
	return append(ephemeral, durable...), nil
}

// DeleteSession removes a session and, for durable sessions, cascades to
// its messages via the foreign key.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	if _, ok := s.ephemeral[id]; ok {
		delete(s.ephemeral, id)
		delete(s.ephemeralMessages, id)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: delete session: %w", err)
	}
	return nil
}

// TrashSession soft-deletes a durable session by stamping trashedAt;
// ephemeral sessions have nothing to trash and are deleted outright.
func (s *Store) TrashSession(id string) error {
	if s.IsEphemeral(id) {
		return s.DeleteSession(id)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE sessions SET trashed_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("session: trash session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreSession clears a session's trashedAt stamp.
func (s *Store) RestoreSession(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET trashed_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: restore session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTrashedOlderThan deletes durable sessions trashed before cutoff,
// cascading their messages.
func (s *Store) PurgeTrashedOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE trashed_at IS NOT NULL AND trashed_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("session: purge trashed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RenameSession sets a session's display name, promoting an ephemeral
// session to durable.
func (s *Store) RenameSession(id, name string) error {
	return s.mutate(id, func(sess *Session) {
		sess.Name = name
	})
}

// UpdateSessionStatus sets a session's status. Ephemeral sessions keep this
// update in memory only — it is not a durability-triggering mutation.
func (s *Store) UpdateSessionStatus(id string, status Status) error {
	return s.mutateInPlaceOK(id, func(sess *Session) {
		sess.Status = status
	}, `UPDATE sessions SET status = ? WHERE id = ?`, func(sess *Session) []interface{} {
		return []interface{}{string(sess.Status), sess.ID}
	})
}

// SetUpstreamSessionID records the upstream session id assigned by the
// child on first run.
func (s *Store) SetUpstreamSessionID(id, upstreamID string) error {
	return s.mutateInPlaceOK(id, func(sess *Session) {
		sess.UpstreamSessionID = upstreamID
	}, `UPDATE sessions SET upstream_session_id = ? WHERE id = ?`, func(sess *Session) []interface{} {
		return []interface{}{sess.UpstreamSessionID, sess.ID}
	})
}

// SetPermissionMode records the session's currently confirmed
// permission-mode.
func (s *Store) SetPermissionMode(id, mode string) error {
	return s.mutateInPlaceOK(id, func(sess *Session) {
		sess.PermissionMode = mode
	}, `UPDATE sessions SET permission_mode = ? WHERE id = ?`, func(sess *Session) []interface{} {
		return []interface{}{sess.PermissionMode, sess.ID}
	})
}

// SetModel records the last-used model identifier.
func (s *Store) SetModel(id, model string) error {
	return s.mutateInPlaceOK(id, func(sess *Session) {
		sess.Model = model
	}, `UPDATE sessions SET model = ? WHERE id = ?`, func(sess *Session) []interface{} {
		return []interface{}{sess.Model, sess.ID}
	})
}

// AddToHistory appends item to a session's message log, promoting an
// ephemeral session to durable.
func (s *Store) AddToHistory(id string, item MessageItem) error {
	item.Timestamp = time.Now().UTC()

	s.mu.Lock()
	if sess, ok := s.ephemeral[id]; ok {
		existing := s.ephemeralMessages[id]
		item.Seq = len(existing)
		s.ephemeralMessages[id] = append(existing, item)
		durableSess := *sess
		delete(s.ephemeral, id)
		delete(s.ephemeralMessages, id)
		s.mu.Unlock()

		if err := s.insertDurable(&durableSess); err != nil {
			return err
		}
		for _, m := range append(existing, item) {
			if err := s.insertMessage(id, m); err != nil {
				return err
			}
		}
		return nil
	}
	s.mu.Unlock()

	var seq int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE session_id = ?`, id).Scan(&seq); err != nil {
		return fmt.Errorf("session: next seq: %w", err)
	}
	item.Seq = seq
	return s.insertMessage(id, item)
}

func (s *Store) insertMessage(sessionID string, item MessageItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (session_id, seq, kind, body, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sessionID, item.Seq, string(item.Kind), string(body), item.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("session: insert message: %w", err)
	}
	return nil
}

// GetHistory returns a session's message log in insertion order.
func (s *Store) GetHistory(id string) ([]MessageItem, error) {
	s.mu.Lock()
	if _, ok := s.ephemeral[id]; ok {
		items := append([]MessageItem(nil), s.ephemeralMessages[id]...)
		s.mu.Unlock()
		return items, nil
	}
	s.mu.Unlock()

	rows, err := s.db.Query(`SELECT body FROM messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("session: get history: %w", err)
	}
	defer rows.Close()

	var items []MessageItem
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		var item MessageItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("session: unmarshal message: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// AddUsage adds counters to a session's overall token totals. Ephemeral
// sessions accumulate in memory without being promoted — usage updates
// alone are not durability-triggering.
func (s *Store) AddUsage(id string, counters TokenCounters) error {
	return s.mutateInPlaceOK(id, func(sess *Session) {
		sess.Usage = sess.Usage.Add(counters)
	}, `UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, cache_creation_input_tokens = cache_creation_input_tokens + ?, cache_read_input_tokens = cache_read_input_tokens + ? WHERE id = ?`,
		func(sess *Session) []interface{} {
			return []interface{}{counters.InputTokens, counters.OutputTokens, counters.CacheCreationInputTokens, counters.CacheReadInputTokens, sess.ID}
		})
}

// AddModelUsage adds counters to a session's per-model token totals.
func (s *Store) AddModelUsage(id, model string, counters TokenCounters) error {
	s.mu.Lock()
	if sess, ok := s.ephemeral[id]; ok {
		if sess.UsageByModel == nil {
			sess.UsageByModel = make(map[string]TokenCounters)
		}
		sess.UsageByModel[model] = sess.UsageByModel[model].Add(counters)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sess, err := s.getDurable(id)
	if err != nil {
		return err
	}
	if sess.UsageByModel == nil {
		sess.UsageByModel = make(map[string]TokenCounters)
	}
	sess.UsageByModel[model] = sess.UsageByModel[model].Add(counters)
	usageJSON, err := json.Marshal(sess.UsageByModel)
	if err != nil {
		return fmt.Errorf("session: marshal usage_by_model: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE sessions SET usage_by_model = ? WHERE id = ?`, string(usageJSON), id); err != nil {
		return fmt.Errorf("session: update usage_by_model: %w", err)
	}
	return nil
}

// mutate applies fn to the session and persists it, promoting an ephemeral
// session to durable if needed. Used by the explicitly durability-
// triggering operations (rename, any "other persistent mutation").
func (s *Store) mutate(id string, fn func(*Session)) error {
	s.mu.Lock()
	if sess, ok := s.ephemeral[id]; ok {
		fn(sess)
		durableSess := *sess
		msgs := s.ephemeralMessages[id]
		delete(s.ephemeral, id)
		delete(s.ephemeralMessages, id)
		s.mu.Unlock()

		if err := s.insertDurable(&durableSess); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := s.insertMessage(id, m); err != nil {
				return err
			}
		}
		return nil
	}
	s.mu.Unlock()

	sess, err := s.getDurable(id)
	if err != nil {
		return err
	}
	fn(sess)
	return s.updateDurable(sess)
}

// updateDurable rewrites every mutable column of an already-persisted
// session row. It never touches the messages table, so it is safe to call
// without disturbing cascade-delete semantics.
func (s *Store) updateDurable(sess *Session) error {
	usageJSON, err := json.Marshal(sess.UsageByModel)
	if err != nil {
		return fmt.Errorf("session: marshal usage_by_model: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET name = ?, working_dir = ?, status = ?, upstream_session_id = ?, model = ?, permission_mode = ?,
		        input_tokens = ?, output_tokens = ?, cache_creation_input_tokens = ?, cache_read_input_tokens = ?, usage_by_model = ?, trashed_at = ?
		 WHERE id = ?`,
		sess.Name, sess.WorkingDir, string(sess.Status), sess.UpstreamSessionID, sess.Model, sess.PermissionMode,
		sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.Usage.CacheCreationInputTokens, sess.Usage.CacheReadInputTokens,
		string(usageJSON), trashedAtColumn(sess.TrashedAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("session: update session: %w", err)
	}
	return nil
}

// mutateInPlaceOK applies an in-memory-only update for ephemeral sessions
// (status/model/permission-mode/usage updates stay in memory per §4.5) and
// a targeted column update for durable ones.
func (s *Store) mutateInPlaceOK(id string, memFn func(*Session), query string, args func(*Session) []interface{}) error {
	s.mu.Lock()
	if sess, ok := s.ephemeral[id]; ok {
		memFn(sess)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sess, err := s.getDurable(id)
	if err != nil {
		return err
	}
	memFn(sess)
	if _, err := s.db.Exec(query, args(sess)...); err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	return nil
}

// SaveBinding inserts a new thread binding. It is idempotent on equal
// tuples and fails with ErrBindingExists if the session id is already
// bound to a different tuple, or the tuple is already bound to a different
// session.
func (s *Store) SaveBinding(b ThreadBinding) error {
	existing, err := s.getBindingByTuple(b.Team, b.Channel, b.Thread)
	if err == nil {
		if existing.SessionID == b.SessionID {
			return nil
		}
		return ErrBindingExists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("session: lookup binding: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO bindings (team, channel, thread, session_id) VALUES (?, ?, ?, ?)`,
		b.Team, b.Channel, b.Thread, b.SessionID)
	if err != nil {
		return ErrBindingExists
	}
	return nil
}

func (s *Store) getBindingByTuple(team, channel, thread string) (ThreadBinding, error) {
	var b ThreadBinding
	row := s.db.QueryRow(`SELECT team, channel, thread, session_id FROM bindings WHERE team = ? AND channel = ? AND thread = ?`, team, channel, thread)
	err := row.Scan(&b.Team, &b.Channel, &b.Thread, &b.SessionID)
	return b, err
}

// ListBindings returns every thread binding.
func (s *Store) ListBindings() ([]ThreadBinding, error) {
	rows, err := s.db.Query(`SELECT team, channel, thread, session_id FROM bindings`)
	if err != nil {
		return nil, fmt.Errorf("session: list bindings: %w", err)
	}
	defer rows.Close()

	var out []ThreadBinding
	for rows.Next() {
		var b ThreadBinding
		if err := rows.Scan(&b.Team, &b.Channel, &b.Thread, &b.SessionID); err != nil {
			return nil, fmt.Errorf("session: scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// HasThread reports whether a binding exists for the tuple. When
// includePending is true, a binding whose creation is currently in flight
// via FindOrCreateSession also counts.
func (s *Store) HasThread(team, channel, thread string, includePending bool) bool {
	key := team + "\x00" + channel + "\x00" + thread
	if includePending {
		s.pendingMu.Lock()
		_, pending := s.pending[key]
		s.pendingMu.Unlock()
		if pending {
			return true
		}
	}
	_, err := s.getBindingByTuple(team, channel, thread)
	return err == nil
}

// FindOrCreateSession returns the session id bound to (team, channel,
// thread), creating one via makeSession if no binding exists yet.
// Concurrent calls with identical keys share one makeSession execution and
// all observers receive the same id.
func (s *Store) FindOrCreateSession(ctx context.Context, team, channel, thread string, makeSession func(context.Context) (*Session, error)) (string, error) {
	if b, err := s.getBindingByTuple(team, channel, thread); err == nil {
		return b.SessionID, nil
	}

	key := team + "\x00" + channel + "\x00" + thread
	s.pendingMu.Lock()
	s.pending[key] = struct{}{}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		if b, err := s.getBindingByTuple(team, channel, thread); err == nil {
			return b.SessionID, nil
		}
		sess, err := makeSession(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.SaveBinding(ThreadBinding{Team: team, Channel: channel, Thread: thread, SessionID: sess.ID}); err != nil {
			return nil, err
		}
		return sess.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runner owns one child process and the stream.Processor reading
// its output, exposing lifecycle and input operations and re-emitting
// processor events to its owner.
//
// Grounded on the teacher's internal/claude.Session.ensureProcess/readLoop
// (process wiring, generation-guarded cleanup) and
// internal/api/handlers/terminal.go (PTY spawn via github.com/creack/pty).
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	ps "github.com/mitchellh/go-ps"

	"github.com/opencollab/sessionrelay/internal/stream"
	"github.com/opencollab/sessionrelay/pkg/protocol"
)

// Mode selects how the child process is attached.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModePTY           Mode = "pty"
	ModeContainerNew  Mode = "container-new"
	ModeContainerExec Mode = "container-exec"
)

var (
	// ErrAlreadyRunning is returned by Start when a child is already attached.
	ErrAlreadyRunning = errors.New("runner: already running")
	// ErrNotRunning is returned by operations that require an attached child.
	ErrNotRunning = errors.New("runner: not running")
	// ErrInvalidToolName is returned when a tool name fails command-line validation.
	ErrInvalidToolName = errors.New("runner: invalid tool name")
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-:/@.]+$`)

// ValidateToolName enforces the spec's command-line safety rule for tool
// names passed to the child.
func ValidateToolName(name string) error {
	if name == "" || name[0] == '-' || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	return nil
}

// BindMount describes one container bind mount (source, target, mode).
type BindMount struct {
	Source string
	Target string
	Mode   string // "ro" or "rw"
}

// Options configures Start.
type Options struct {
	Mode Mode

	WorkingDir           string
	UpstreamSessionID    string
	PermissionMode       string
	AllowedTools         []string
	DisallowedTools      []string
	CapabilityConfigPath string
	CapabilityToolName   string
	ExtendedThinking     bool
	ImageAttachments     []string

	// Container modes.
	ContainerImage string
	ContainerID    string // container-exec target
	BindMounts     []BindMount
	HostNetworking bool
	Env            map[string]string

	ChildBinary string // defaults to "claude"
}

// EventKind discriminates Runner-level events: every stream.EventType plus
// a synthetic "exit".
type EventKind string

const ExitEvent EventKind = "exit"

// Event is a stream.Event annotated with its Runner-level kind, or an exit
// notification.
type Event struct {
	Kind  EventKind
	Inner stream.Event

	// exit
	ExitCode   int
	ExitSignal string
	Err        error
}

// Runner owns one child process attachment.
type Runner struct {
	mu      sync.Mutex
	running bool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	ptmx  *os.File

	processor *stream.Processor
	gen       atomic.Int64

	pendingControlMu sync.Mutex
	pendingControl   map[string]struct{}
}

// New returns an unattached Runner.
func New() *Runner {
	return &Runner{
		processor:      stream.New(),
		pendingControl: make(map[string]struct{}),
	}
}

// Running reports whether a child is currently attached.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start spawns the child per opts, sends initialPrompt as the first user
// turn, and delivers every subsequent event to onEvent from a dedicated
// reader goroutine until the child exits.
func (r *Runner) Start(ctx context.Context, initialPrompt string, opts Options, onEvent func(Event)) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	for _, name := range opts.AllowedTools {
		if err := ValidateToolName(name); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	for _, name := range opts.DisallowedTools {
		if err := ValidateToolName(name); err != nil {
			r.mu.Unlock()
			return err
		}
	}

	cmd, err := buildCommand(ctx, opts)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner: build command: %w", err)
	}

	gen := r.gen.Add(1)

	var stdin io.WriteCloser
	var stdout io.Reader
	var ptmx *os.File

	switch opts.Mode {
	case ModePTY:
		ptmx, err = pty.Start(cmd)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("runner: pty start: %w", err)
		}
		stdin = ptmx
		stdout = ptmx
	default:
		stdin, err = cmd.StdinPipe()
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("runner: stdin pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("runner: stdout pipe: %w", err)
		}
		stdout = stdoutPipe
		if err := cmd.Start(); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("runner: start: %w", err)
		}
	}

	r.cmd = cmd
	r.stdin = stdin
	r.ptmx = ptmx
	r.processor = stream.New()
	r.running = true
	r.mu.Unlock()

	if err := r.writeFrame(protocol.NewUserTextFrame(initialPrompt)); err != nil {
		log.Printf("runner: write initial prompt: %v", err)
	}

	go r.readLoop(stdout, cmd, gen, onEvent)

	return nil
}

// readLoop pumps child output through the stream.Processor and forwards
// events to onEvent, finishing with a synthetic exit event. gen guards
// against a stale reader cleaning up state after a newer process has
// already started on this Runner (can happen on a resume-failure restart).
func (r *Runner) readLoop(stdout io.Reader, cmd *exec.Cmd, gen int64, onEvent func(Event)) {
	// stream.Processor does its own line framing, so the read loop forwards
	// raw chunks rather than using bufio.Scanner's line splitting.
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, ev := range r.processor.HandleData(buf[:n]) {
				onEvent(Event{Kind: EventKind(ev.Type), Inner: ev})
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	if r.gen.Load() != gen {
		// A newer process has already started; this reader's cleanup is stale.
		return
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	exitEvent := Event{Kind: ExitEvent}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitEvent.ExitCode = exitErr.ExitCode()
	}
	if waitErr != nil && exitErr == nil {
		exitEvent.Err = waitErr
	}
	onEvent(exitEvent)
}

// SendUserMessage writes one NDJSON user-turn frame to the child's stdin.
func (r *Runner) SendUserMessage(text string) error {
	if !r.Running() {
		return ErrNotRunning
	}
	return r.writeFrame(protocol.NewUserTextFrame(text))
}

// SendControlRequest writes a control_request frame and tracks requestID
// as pending until a matching control_response or echoed system event
// resolves it (resolution itself is the caller's responsibility, driven off
// stream events).
func (r *Runner) SendControlRequest(requestID, subtype, mode string) error {
	if !r.Running() {
		return ErrNotRunning
	}
	r.pendingControlMu.Lock()
	r.pendingControl[requestID] = struct{}{}
	r.pendingControlMu.Unlock()

	frame := protocol.ControlRequestFrame{
		Type:      "control_request",
		RequestID: requestID,
		Request:   protocol.ControlRequest{Subtype: subtype, Mode: mode},
	}
	return r.writeFrame(frame)
}

// ResolveControlRequest clears a pending control-request id once it has
// been confirmed by the child.
func (r *Runner) ResolveControlRequest(requestID string) {
	r.pendingControlMu.Lock()
	delete(r.pendingControl, requestID)
	r.pendingControlMu.Unlock()
}

// SendInput passes raw bytes through to the child's stdin, for mock/test
// and interactive continuation use.
func (r *Runner) SendInput(raw []byte) error {
	if !r.Running() {
		return ErrNotRunning
	}
	r.mu.Lock()
	stdin := r.stdin
	r.mu.Unlock()
	_, err := stdin.Write(raw)
	return err
}

func (r *Runner) writeFrame(v interface{}) error {
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	stdin := r.stdin
	r.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	_, err = stdin.Write(data)
	return err
}

// Stop terminates the child with SIGTERM semantics. Idempotent.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cmd := r.cmd
	running := r.running
	r.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return cmd.Process.Kill()
	}
	return nil
}

// IsAlive probes the OS process table directly, independent of this
// Runner's own bookkeeping — used to detect a child that died without the
// read loop having noticed yet.
func (r *Runner) IsAlive() bool {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	proc, err := ps.FindProcess(cmd.Process.Pid)
	return err == nil && proc != nil
}

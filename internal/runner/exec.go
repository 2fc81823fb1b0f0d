// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

func marshalFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal frame: %w", err)
	}
	return append(data, '\n'), nil
}

// buildCommand constructs the exec.Cmd for the selected spawn mode, with
// the child argument set the spec mandates: NDJSON I/O on both directions,
// --verbose, working directory and upstream-session-id when set,
// permission-mode when set, capability wiring when permission mediation is
// wanted, and tool allow/deny lists.
func buildCommand(ctx context.Context, opts Options) (*exec.Cmd, error) {
	binary := opts.ChildBinary
	if binary == "" {
		binary = "claude"
	}

	args := childArgs(opts)

	switch opts.Mode {
	case ModeContainerNew:
		return containerNewCommand(ctx, binary, args, opts)
	case ModeContainerExec:
		return containerExecCommand(ctx, binary, args, opts)
	default:
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Dir = opts.WorkingDir
		return cmd, nil
	}
}

func childArgs(opts Options) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.WorkingDir != "" {
		args = append(args, "--cwd", opts.WorkingDir)
	}
	if opts.UpstreamSessionID != "" {
		args = append(args, "--resume", opts.UpstreamSessionID)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.CapabilityToolName != "" && opts.CapabilityConfigPath != "" {
		args = append(args, "--permission-prompt-tool", opts.CapabilityToolName)
		args = append(args, "--permission-prompt-tool-config", opts.CapabilityConfigPath)
	}
	if opts.ExtendedThinking {
		args = append(args, "--extended-thinking")
	}
	for _, name := range opts.AllowedTools {
		args = append(args, "--allowed-tool", name)
	}
	for _, name := range opts.DisallowedTools {
		args = append(args, "--disallowed-tool", name)
	}
	for _, img := range opts.ImageAttachments {
		args = append(args, "--attach", img)
	}
	return args
}

// containerNewCommand launches a rootless container image, mounts the
// working directory read-write, mounts the capability config (if any)
// read-only, forwards environment variables, and execs the child binary
// inside with args.
func containerNewCommand(ctx context.Context, binary string, args []string, opts Options) (*exec.Cmd, error) {
	if opts.ContainerImage == "" {
		return nil, fmt.Errorf("runner: container-new requires ContainerImage")
	}

	runArgs := []string{"run", "--rm", "-i"}
	if opts.HostNetworking {
		runArgs = append(runArgs, "--network", "host")
	}

	mounts := append([]BindMount(nil), opts.BindMounts...)
	if opts.WorkingDir != "" {
		mounts = append(mounts, BindMount{Source: opts.WorkingDir, Target: opts.WorkingDir, Mode: "rw"})
	}
	if opts.CapabilityConfigPath != "" {
		mounts = append(mounts, BindMount{Source: opts.CapabilityConfigPath, Target: opts.CapabilityConfigPath, Mode: "ro"})
	}
	for _, m := range mounts {
		mode := m.Mode
		if mode == "" {
			mode = "ro"
		}
		runArgs = append(runArgs, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	for k, v := range opts.Env {
		runArgs = append(runArgs, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.WorkingDir != "" {
		runArgs = append(runArgs, "-w", opts.WorkingDir)
	}

	runArgs = append(runArgs, opts.ContainerImage, binary)
	runArgs = append(runArgs, args...)

	return exec.CommandContext(ctx, "docker", runArgs...), nil
}

// containerExecCommand execs the child binary into an already-running
// container, sharing its namespace (used so a child can reach a sibling's
// loopback capability server).
func containerExecCommand(ctx context.Context, binary string, args []string, opts Options) (*exec.Cmd, error) {
	if opts.ContainerID == "" {
		return nil, fmt.Errorf("runner: container-exec requires ContainerID")
	}
	execArgs := []string{"exec", "-i"}
	if opts.WorkingDir != "" {
		execArgs = append(execArgs, "-w", opts.WorkingDir)
	}
	for k, v := range opts.Env {
		execArgs = append(execArgs, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	execArgs = append(execArgs, opts.ContainerID, binary)
	execArgs = append(execArgs, args...)

	return exec.CommandContext(ctx, "docker", execArgs...), nil
}

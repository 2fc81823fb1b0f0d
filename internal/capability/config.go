// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ToolName is the permission-prompt-tool identifier the child is told to
// invoke for every tool-use decision; it must match the MCP tool name the
// child binary resolves --permission-prompt-tool against.
const ToolName = "mcp__sessionrelay__approve"

// ConfigFile is the JSON document materialized at a well-known transient
// path so a Runner can pass its location to the child on the command line.
type ConfigFile struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// ConfigPath returns the well-known transient path for a session's
// capability-config file.
func ConfigPath(tmpDir, sessionID string) string {
	return filepath.Join(tmpDir, fmt.Sprintf("capability-%s.json", sessionID))
}

// WriteConfig materializes the capability endpoint (url, session id) at
// ConfigPath(tmpDir, sessionID), so the Runner can pass that path to the
// child on the command line.
func WriteConfig(tmpDir, sessionID, serverURL string) (string, error) {
	path := ConfigPath(tmpDir, sessionID)
	data, err := json.Marshal(ConfigFile{URL: serverURL, SessionID: sessionID})
	if err != nil {
		return "", fmt.Errorf("capability: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("capability: write config: %w", err)
	}
	return path, nil
}

// RemoveConfig deletes a session's capability-config file. Called on the
// session's exit event; a missing file is not an error.
func RemoveConfig(tmpDir, sessionID string) error {
	err := os.Remove(ConfigPath(tmpDir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("capability: remove config: %w", err)
	}
	return nil
}

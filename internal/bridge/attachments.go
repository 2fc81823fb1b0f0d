// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// writeImageAttachments decodes each base64 image payload in images (an
// optional "data:<mime>;base64,<data>" prefix is stripped first) to its own
// randomly named file under <tmpDir>/attachments/<sessionID>/, returning
// the paths in the same order for the runner's --attach args.
func writeImageAttachments(tmpDir, sessionID string, images []string) ([]string, error) {
	dir := filepath.Join(tmpDir, "attachments", sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("bridge: create attachment dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for _, img := range images {
		ext, data := splitDataURI(img)
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("bridge: decode image attachment: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s%s", uuid.NewString(), ext))
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("bridge: write image attachment: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// splitDataURI extracts the file extension implied by a data URI's mime
// type (defaulting to .png) and returns it alongside the base64 payload
// with any "data:...;base64," prefix removed.
func splitDataURI(img string) (ext string, data string) {
	if !strings.HasPrefix(img, "data:") {
		return ".png", img
	}
	comma := strings.IndexByte(img, ',')
	if comma < 0 {
		return ".png", img
	}
	header, payload := img[5:comma], img[comma+1:]
	mime := strings.TrimSuffix(header, ";base64")
	switch mime {
	case "image/jpeg":
		return ".jpg", payload
	case "image/gif":
		return ".gif", payload
	case "image/webp":
		return ".webp", payload
	default:
		return ".png", payload
	}
}

// removeImageAttachments deletes a session's attachment directory, if any.
func removeImageAttachments(tmpDir, sessionID string) error {
	err := os.RemoveAll(filepath.Join(tmpDir, "attachments", sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bridge: remove attachments: %w", err)
	}
	return nil
}

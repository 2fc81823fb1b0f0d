// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteImageAttachmentsDecodesAndNamesFiles(t *testing.T) {
	tmp := t.TempDir()
	png := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	jpeg := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))

	paths, err := writeImageAttachments(tmp, "s1", []string{png, jpeg})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, ".png", filepath.Ext(paths[0]))
	require.Equal(t, ".jpg", filepath.Ext(paths[1]))

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "fake-png-bytes", string(data))

	for _, p := range paths {
		require.Equal(t, filepath.Join(tmp, "attachments", "s1"), filepath.Dir(p))
	}
}

func TestWriteImageAttachmentsRejectsBadBase64(t *testing.T) {
	_, err := writeImageAttachments(t.TempDir(), "s1", []string{"not-base64!!"})
	require.Error(t, err)
}

func TestRemoveImageAttachmentsCleansDirectory(t *testing.T) {
	tmp := t.TempDir()
	_, err := writeImageAttachments(tmp, "s1", []string{base64.StdEncoding.EncodeToString([]byte("x"))})
	require.NoError(t, err)

	require.NoError(t, removeImageAttachments(tmp, "s1"))

	_, err = os.Stat(filepath.Join(tmp, "attachments", "s1"))
	require.True(t, os.IsNotExist(err))
}

func TestRemoveImageAttachmentsToleratesMissingDirectory(t *testing.T) {
	require.NoError(t, removeImageAttachments(t.TempDir(), "never-wrote-anything"))
}

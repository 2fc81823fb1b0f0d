// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyPatternMatchesAll(t *testing.T) {
	require.True(t, Match("", "anything"))
	require.True(t, Match("", ""))
}

func TestWordBoundaryPrefix(t *testing.T) {
	require.True(t, Match("git:*", "git"))
	require.True(t, Match("git:*", "git status"))
	require.True(t, Match("git:*", `git commit -m "msg"`))
	require.False(t, Match("git:*", "gitk"))
}

func TestPlainGlobTrailingStar(t *testing.T) {
	require.True(t, Match("git*", "gitk"))
	require.True(t, Match("git*", "git status"))
}

func TestGlobDoubleStarPath(t *testing.T) {
	require.True(t, Match("./src/components/**", "./src/components/App.tsx"))
	require.True(t, Match("./src/components/**", "./src/components/nested/App.tsx"))
	require.False(t, Match("./src/components/**", "./src/other/App.tsx"))
}

func TestExactMatchWithNoWildcard(t *testing.T) {
	require.True(t, Match("ls", "ls"))
	require.False(t, Match("ls", "ls -la"))
}

func TestSuggestedPatternBash(t *testing.T) {
	require.Equal(t, "Bash(pnpm:*)", SuggestedPattern("Bash", "pnpm install --save-dev vitest"))
}

func TestSuggestedPatternFile(t *testing.T) {
	require.Equal(t, "Write(./src/components/**)", SuggestedPattern("Write", "./src/components/App.tsx"))
}

func TestCompiledPatternReused(t *testing.T) {
	p := Compile("git:*")
	require.True(t, p.Match("git status"))
	require.False(t, p.Match("gitk"))
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import "strings"

// turnBuffer accumulates a single turn's streamed thinking/text so that,
// per the turn-buffer invariant, it commits to history as at most two
// entries (one thinking, one assistant) on flush — bounding history row
// count per turn to O(1) regardless of how many partial chunks the child
// streamed.
type turnBuffer struct {
	thinking strings.Builder
	text     strings.Builder
}

func (b *turnBuffer) addThinking(s string) { b.thinking.WriteString(s) }
func (b *turnBuffer) addText(s string)     { b.text.WriteString(s) }

func (b *turnBuffer) isEmpty() bool {
	return b.thinking.Len() == 0 && b.text.Len() == 0
}

// drain returns the accumulated thinking and assistant text, in the order
// they must be committed (thinking first), and resets the buffer.
func (b *turnBuffer) drain() (thinking, text string) {
	thinking, text = b.thinking.String(), b.text.String()
	b.thinking.Reset()
	b.text.Reset()
	return thinking, text
}

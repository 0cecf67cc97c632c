package keymux

import (
	"github.com/blueberrycongee/keymux/pkg/types"
)

// Per-message token allowance for role and stop framing.
const messageOverheadTokens = 2

// buildPrompt selects the newest suffix of history that fits the token
// budget. It walks from the newest message backwards, re-inserting each
// accepted message at the front so chronological order is preserved, and
// stops at the first (older) message that would exceed the budget. Older
// history is silently dropped; if not even the newest message fits, the
// result is empty.
func buildPrompt(history []types.StoredMessage, budget int) (kept []types.StoredMessage, promptTokens int) {
	for i := len(history) - 1; i >= 0; i-- {
		cost := history[i].TokenCount + messageOverheadTokens
		if promptTokens+cost > budget {
			break
		}
		promptTokens += cost
		kept = append([]types.StoredMessage{history[i]}, kept...)
	}
	return kept, promptTokens
}

// chatMessages converts stored history to the wire shape.
func chatMessages(stored []types.StoredMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, len(stored))
	for i, msg := range stored {
		out[i] = msg.Chat()
	}
	return out
}

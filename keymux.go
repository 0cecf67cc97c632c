// Package keymux is a chat-completion gateway that multiplexes requests
// across a rotating pool of upstream provider credentials. It hides
// provider outages, rate limits and bans behind automatic credential
// rotation, per-conversation request serialization and bounded retries.
//
// The entry point is Client: Completion performs a raw completion with
// credential rotation, SendMessage runs the conversational path with
// token-bounded history and per-session FIFO dispatch.
package keymux

import (
	"github.com/blueberrycongee/keymux/pkg/types"
)

// Re-exported wire types for callers that only import the root package.
type (
	ChatMessage  = types.ChatMessage
	ChatRequest  = types.ChatRequest
	ChatResponse = types.ChatResponse
)

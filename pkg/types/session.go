package types

// StoredMessage is a conversation message as persisted in a session record.
// TokenCount is computed once at append time so prompt construction never
// re-tokenizes history.
type StoredMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	TokenCount int    `json:"tokenCount"`
	Timestamp  int64  `json:"timestamp"`
}

// Chat converts a stored message to its wire form.
func (m StoredMessage) Chat() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content}
}

// Session is a conversation record keyed by the caller-supplied session id.
// The message list is append-only: each successful exchange adds exactly one
// user message and one assistant message (older messages may be trimmed from
// the head when the context budget is exceeded).
type Session struct {
	SessionID string          `json:"sessionId"`
	Messages  []StoredMessage `json:"messages"`
	// CredentialID is the session affinity: the credential the last
	// successful exchange used. Cleared on any unrecovered failure.
	CredentialID string `json:"credentialId,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Package store abstracts the durable document store backing credentials,
// type weights, conversation sessions and alarm bookkeeping. The gateway
// treats it as an external collaborator with CRUD-style operations; two
// backends are provided, an in-process map store and a Redis store.
package store

import (
	"context"
	"errors"

	"github.com/blueberrycongee/keymux/pkg/credential"
	"github.com/blueberrycongee/keymux/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// CredentialUpdate is a partial update of a credential record. Nil fields
// are left untouched.
type CredentialUpdate struct {
	Password       *string
	Status         *credential.Status
	ErrorMsg       *string
	ErrorTimestamp *int64
}

// CredentialStore persists credential records.
type CredentialStore interface {
	InsertCredential(ctx context.Context, cred *credential.Credential) error
	GetCredential(ctx context.Context, id string) (*credential.Credential, error)
	GetCredentialByEmail(ctx context.Context, email string) (*credential.Credential, error)
	ListCredentials(ctx context.Context) ([]*credential.Credential, error)
	UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error
	DeleteCredential(ctx context.Context, id string) error
}

// WeightStore persists the provider-type weight table.
type WeightStore interface {
	ListWeights(ctx context.Context) ([]credential.TypeWeight, error)
	PutWeight(ctx context.Context, weight credential.TypeWeight) error
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	// GetSession returns ErrNotFound for an unknown session id.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	PutSession(ctx context.Context, session *types.Session) error
}

// AlarmRecord tracks re-trigger state for one (key, type) alarm.
type AlarmRecord struct {
	Key              string `json:"key"`
	Type             string `json:"type"`
	LastAlarmAt      int64  `json:"lastAlarmTimestamp"`
	FirstTriggeredAt int64  `json:"createAlarmTimestamp"`
}

// AlarmStore persists alarm de-duplication state.
type AlarmStore interface {
	GetAlarm(ctx context.Context, key, typ string) (*AlarmRecord, error)
	PutAlarm(ctx context.Context, record *AlarmRecord) error
	DeleteAlarm(ctx context.Context, key, typ string) error
}

// Store is the full collaborator surface the gateway depends on.
type Store interface {
	CredentialStore
	WeightStore
	SessionStore
	AlarmStore
}

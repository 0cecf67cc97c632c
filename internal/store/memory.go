package store

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/keymux/pkg/credential"
	"github.com/blueberrycongee/keymux/pkg/types"
)

// MemoryStore is a mutex-guarded map implementation of Store. It is the
// default for single-node deployments and the backend used in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*credential.Credential
	emailIndex  map[string]string
	weights     map[credential.ProviderType]credential.TypeWeight
	sessions    map[string]*types.Session
	alarms      map[string]*AlarmRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*credential.Credential),
		emailIndex:  make(map[string]string),
		weights:     make(map[credential.ProviderType]credential.TypeWeight),
		sessions:    make(map[string]*types.Session),
		alarms:      make(map[string]*AlarmRecord),
	}
}

func (s *MemoryStore) InsertCredential(_ context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *cred
	s.credentials[cred.ID] = &clone
	if cred.Email != "" {
		s.emailIndex[cred.Email] = cred.ID
	}
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cred
	return &clone, nil
}

func (s *MemoryStore) GetCredentialByEmail(ctx context.Context, email string) (*credential.Credential, error) {
	s.mu.RLock()
	id, ok := s.emailIndex[email]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetCredential(ctx, id)
}

func (s *MemoryStore) ListCredentials(_ context.Context) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*credential.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		clone := *cred
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, id string, update CredentialUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	applyCredentialUpdate(cred, update)
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	if cred.Email != "" {
		delete(s.emailIndex, cred.Email)
	}
	delete(s.credentials, id)
	return nil
}

func (s *MemoryStore) ListWeights(_ context.Context) ([]credential.TypeWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]credential.TypeWeight, 0, len(s.weights))
	// Stable order keeps weighted selection deterministic under ties.
	for _, typ := range []credential.ProviderType{credential.TypeOpenAI, credential.TypeAzure} {
		if w, ok := s.weights[typ]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutWeight(_ context.Context, weight credential.TypeWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[weight.Type] = weight
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	clone.Messages = append([]types.StoredMessage(nil), session.Messages...)
	return &clone, nil
}

func (s *MemoryStore) PutSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *session
	clone.Messages = append([]types.StoredMessage(nil), session.Messages...)
	clone.UpdatedAt = time.Now().UnixMilli()
	s.sessions[session.SessionID] = &clone
	return nil
}

func (s *MemoryStore) GetAlarm(_ context.Context, key, typ string) (*AlarmRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.alarms[typ+":"+key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) PutAlarm(_ context.Context, record *AlarmRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.alarms[record.Type+":"+record.Key] = &clone
	return nil
}

func (s *MemoryStore) DeleteAlarm(_ context.Context, key, typ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, typ+":"+key)
	return nil
}

func applyCredentialUpdate(cred *credential.Credential, update CredentialUpdate) {
	if update.Password != nil {
		cred.Password = *update.Password
	}
	if update.Status != nil {
		cred.Status = *update.Status
	}
	if update.ErrorMsg != nil {
		cred.ErrorMsg = *update.ErrorMsg
	}
	if update.ErrorTimestamp != nil {
		cred.ErrorTimestamp = *update.ErrorTimestamp
	}
}

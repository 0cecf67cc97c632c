package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/keymux/pkg/credential"
	"github.com/blueberrycongee/keymux/pkg/types"
)

const (
	credentialHashKey = "keymux:credentials"
	emailIndexHashKey = "keymux:credentials:byemail"
	weightHashKey     = "keymux:weights"
	sessionKeyPrefix  = "keymux:session:"
	alarmKeyPrefix    = "keymux:alarm:"
)

// RedisStore is a Redis-backed Store. Credentials and weights live in
// hashes keyed by id/type; sessions and alarms are JSON documents under
// prefixed keys. One Redis instance backs one gateway pool.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromAddr connects to a single Redis node and verifies the
// connection with a ping.
func NewRedisStoreFromAddr(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) InsertCredential(ctx context.Context, cred *credential.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, credentialHashKey, cred.ID, data)
	if cred.Email != "" {
		pipe.HSet(ctx, emailIndexHashKey, cred.Email, cred.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	data, err := s.client.HGet(ctx, credentialHashKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cred credential.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential %s: %w", id, err)
	}
	return &cred, nil
}

func (s *RedisStore) GetCredentialByEmail(ctx context.Context, email string) (*credential.Credential, error) {
	id, err := s.client.HGet(ctx, emailIndexHashKey, email).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetCredential(ctx, id)
}

func (s *RedisStore) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	values, err := s.client.HGetAll(ctx, credentialHashKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*credential.Credential, 0, len(values))
	for id, raw := range values {
		var cred credential.Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return nil, fmt.Errorf("unmarshal credential %s: %w", id, err)
		}
		out = append(out, &cred)
	}
	return out, nil
}

func (s *RedisStore) UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	applyCredentialUpdate(cred, update)

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.client.HSet(ctx, credentialHashKey, id, data).Err()
}

func (s *RedisStore) DeleteCredential(ctx context.Context, id string) error {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, credentialHashKey, id)
	if cred.Email != "" {
		pipe.HDel(ctx, emailIndexHashKey, cred.Email)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListWeights(ctx context.Context) ([]credential.TypeWeight, error) {
	values, err := s.client.HGetAll(ctx, weightHashKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]credential.TypeWeight, 0, len(values))
	// Fixed iteration order keeps ties stable across refreshes.
	for _, typ := range []credential.ProviderType{credential.TypeOpenAI, credential.TypeAzure} {
		raw, ok := values[string(typ)]
		if !ok {
			continue
		}
		var weight credential.TypeWeight
		if err := json.Unmarshal([]byte(raw), &weight); err != nil {
			return nil, fmt.Errorf("unmarshal weight %s: %w", typ, err)
		}
		out = append(out, weight)
	}
	return out, nil
}

func (s *RedisStore) PutWeight(ctx context.Context, weight credential.TypeWeight) error {
	data, err := json.Marshal(weight)
	if err != nil {
		return fmt.Errorf("marshal weight: %w", err)
	}
	return s.client.HSet(ctx, weightHashKey, string(weight.Type), data).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *RedisStore) PutSession(ctx context.Context, session *types.Session) error {
	session.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+session.SessionID, data, 0).Err()
}

func (s *RedisStore) GetAlarm(ctx context.Context, key, typ string) (*AlarmRecord, error) {
	data, err := s.client.Get(ctx, alarmKeyPrefix+typ+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record AlarmRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal alarm %s/%s: %w", typ, key, err)
	}
	return &record, nil
}

func (s *RedisStore) PutAlarm(ctx context.Context, record *AlarmRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}
	return s.client.Set(ctx, alarmKeyPrefix+record.Type+":"+record.Key, data, 0).Err()
}

func (s *RedisStore) DeleteAlarm(ctx context.Context, key, typ string) error {
	return s.client.Del(ctx, alarmKeyPrefix+typ+":"+key).Err()
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

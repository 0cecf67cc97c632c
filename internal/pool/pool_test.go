package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/internal/store"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

func TestCreate_StatusDependsOnAPIKey(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	withKey, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-test", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, credential.StatusRunning, withKey.Status)
	assert.NotEmpty(t, withKey.ID)

	withoutKey, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, Email: "b@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, credential.StatusDown, withoutKey.Status)
}

func TestCreate_DuplicateEmailReturnsExisting(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	first, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-1", Email: "dup@example.com"})
	require.NoError(t, err)

	second, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-2", Email: "dup@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "sk-1", second.APIKey)
}

func TestUpdateStatus_StampsErrorFields(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := New(ms)

	cred, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-test", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, p.UpdateStatus(ctx, cred.ID, credential.StatusBanned, "access was terminated"))

	got, err := ms.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusBanned, got.Status)
	assert.Equal(t, "access was terminated", got.ErrorMsg)
	assert.NotZero(t, got.ErrorTimestamp)
}

func TestUpdateStatus_RecoveryDoesNotStampError(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := New(ms)

	cred, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-test", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, p.UpdateStatus(ctx, cred.ID, credential.StatusFrequent, "limit hit"))
	require.NoError(t, p.UpdateStatus(ctx, cred.ID, credential.StatusRunning, ""))

	got, err := ms.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusRunning, got.Status)
	// Error fields keep the last failure for diagnosis.
	assert.Equal(t, "limit hit", got.ErrorMsg)
}

func TestUpdateStatus_AzureExemptFromUnavailableTransitions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := New(ms)

	cred, err := p.Create(ctx, CreateParams{
		Type: credential.TypeAzure, APIKey: "azure-key",
		ResourceName: "res", DeploymentID: "dep", Email: "az@example.com",
	})
	require.NoError(t, err)

	for _, status := range []credential.Status{
		credential.StatusBanned, credential.StatusFrequent, credential.StatusError,
	} {
		require.NoError(t, p.UpdateStatus(ctx, cred.ID, status, "boom"))
		got, err := ms.GetCredential(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusRunning, got.Status, "status %v must be suppressed", status)
	}

	// Explicit administrative transitions still apply.
	require.NoError(t, p.UpdateStatus(ctx, cred.ID, credential.StatusDown, ""))
	got, err := ms.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusDown, got.Status)
}

func TestUpdateStatus_FiresAvailabilityHook(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	var mu sync.Mutex
	fired := 0
	p.SetAvailabilityHook(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	cred, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-test", Email: "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, p.UpdateStatus(ctx, cred.ID, credential.StatusError, "500"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 2
	}, time.Second, time.Millisecond)
}

func TestValidCredential_FiltersRunningAndType(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	openai, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-1", Email: "oa@example.com"})
	require.NoError(t, err)
	azure, err := p.Create(ctx, CreateParams{Type: credential.TypeAzure, APIKey: "az-1", Email: "az@example.com"})
	require.NoError(t, err)
	_, err = p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, Email: "down@example.com", Password: "pw"})
	require.NoError(t, err)

	got, err := p.ValidCredentialOfType(ctx, credential.TypeAzure)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, azure.ID, got.ID)

	got, err = p.ValidCredentialOfType(ctx, credential.TypeOpenAI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, openai.ID, got.ID)
}

func TestValidCredential_NoCandidateReturnsNil(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	_, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, Email: "down@example.com", Password: "pw"})
	require.NoError(t, err)

	got, err := p.ValidCredential(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidCredential_EmptyPreferenceMatchesAnyType(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	_, err := p.Create(ctx, CreateParams{Type: credential.TypeAzure, APIKey: "az-1", Email: "az@example.com"})
	require.NoError(t, err)

	got, err := p.ValidCredentialOfType(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, credential.TypeAzure, got.Type)
}

func TestValidCredential_SamplesAtMostTen(t *testing.T) {
	ctx := context.Background()

	var lastBound int
	p := New(store.NewMemoryStore(), WithRandIntn(func(n int) int {
		lastBound = n
		return 0
	}))

	for i := 0; i < 25; i++ {
		_, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk"})
		require.NoError(t, err)
	}

	got, err := p.ValidCredentialOfType(ctx, credential.TypeOpenAI)
	require.NoError(t, err)
	require.NotNil(t, got)
	// The final uniform pick is over the sample, never the full pool.
	assert.Equal(t, sampleSize, lastBound)
}

func TestRandomRunningEmail(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore(), WithRandIntn(func(n int) int { return 0 }))

	_, err := p.RandomRunningEmail(ctx)
	assert.Error(t, err)

	_, err = p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-1", Email: "a@example.com"})
	require.NoError(t, err)

	email, err := p.RandomRunningEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", email)
}

func TestActiveAPIKey_OnlyRunningCredentials(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore(), WithRandIntn(func(n int) int { return 0 }))

	_, err := p.ActiveAPIKey(ctx)
	assert.Error(t, err)

	// DOWN credential; its key must never be handed out.
	_, err = p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, Email: "down@example.com", Password: "pw"})
	require.NoError(t, err)
	_, err = p.ActiveAPIKey(ctx)
	assert.Error(t, err)

	_, err = p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, APIKey: "sk-live", Email: "up@example.com"})
	require.NoError(t, err)

	key, err := p.ActiveAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", key)
}

func TestDeleteAndUpdatePassword(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := New(ms)

	cred, err := p.Create(ctx, CreateParams{Type: credential.TypeOpenAI, Email: "a@example.com", Password: "old"})
	require.NoError(t, err)

	require.NoError(t, p.UpdatePassword(ctx, "a@example.com", "new"))
	got, err := ms.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Password)

	require.NoError(t, p.Delete(ctx, "a@example.com"))
	_, err = ms.GetCredential(ctx, cred.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

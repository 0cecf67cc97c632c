// Package pool manages the credential pool: CRUD over credential records,
// the status machine and randomized selection of a usable credential for an
// outbound completion.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/keymux/internal/store"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

// sampleSize bounds the candidate sample drawn for selection. Sampling
// spreads load across a large pool without round-robin bookkeeping.
const sampleSize = 10

// TypePicker supplies the provider-type preference for selection.
type TypePicker interface {
	PickType(ctx context.Context) credential.ProviderType
}

// Pool owns credential records. All status transitions go through
// UpdateStatus so the exemption rule and error stamping apply uniformly.
type Pool struct {
	store    store.CredentialStore
	picker   TypePicker
	logger   *slog.Logger
	randIntn func(n int) int
	// onChange runs asynchronously after any status-affecting mutation;
	// the health monitor hooks its availability check here.
	onChange func()
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithTypePicker sets the provider-type preference source.
func WithTypePicker(picker TypePicker) Option {
	return func(p *Pool) { p.picker = picker }
}

// WithRandIntn overrides the random source (tests only).
func WithRandIntn(fn func(n int) int) Option {
	return func(p *Pool) { p.randIntn = fn }
}

// New creates a Pool over the given credential store.
func New(credStore store.CredentialStore, opts ...Option) *Pool {
	p := &Pool{
		store:    credStore,
		logger:   slog.Default(),
		randIntn: rand.Intn,
		onChange: func() {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetAvailabilityHook registers the callback fired after status changes.
func (p *Pool) SetAvailabilityHook(fn func()) {
	if fn != nil {
		p.onChange = fn
	}
}

// CreateParams describes a new credential.
type CreateParams struct {
	Type         credential.ProviderType
	APIKey       string
	Email        string
	Password     string
	ResourceName string
	DeploymentID string
	IsPro        bool
}

// Create inserts a new credential. An existing credential with the same
// email is returned unchanged. Credentials arriving with an API key are
// usable immediately; the rest start DOWN until a session is established.
func (p *Pool) Create(ctx context.Context, params CreateParams) (*credential.Credential, error) {
	if params.Email != "" {
		existing, err := p.store.GetCredentialByEmail(ctx, params.Email)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	status := credential.StatusDown
	if params.APIKey != "" {
		status = credential.StatusRunning
	}

	cred := &credential.Credential{
		ID:           uuid.NewString(),
		Type:         params.Type,
		APIKey:       params.APIKey,
		Email:        params.Email,
		Password:     params.Password,
		ResourceName: params.ResourceName,
		DeploymentID: params.DeploymentID,
		Status:       status,
		IsPro:        params.IsPro,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := p.store.InsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	p.logger.Info("credential created", "id", cred.ID, "type", cred.Type, "status", cred.Status.String())
	go p.onChange()
	return cred, nil
}

// Delete removes a credential by email.
func (p *Pool) Delete(ctx context.Context, email string) error {
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		return err
	}
	return p.store.DeleteCredential(ctx, cred.ID)
}

// UpdatePassword replaces the stored password for a browser-automated
// credential.
func (p *Pool) UpdatePassword(ctx context.Context, email, password string) error {
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		return err
	}
	return p.store.UpdateCredential(ctx, cred.ID, store.CredentialUpdate{Password: &password})
}

// Get returns a credential by id.
func (p *Pool) Get(ctx context.Context, id string) (*credential.Credential, error) {
	return p.store.GetCredential(ctx, id)
}

// GetByEmail returns a credential by email.
func (p *Pool) GetByEmail(ctx context.Context, email string) (*credential.Credential, error) {
	return p.store.GetCredentialByEmail(ctx, email)
}

// ListAll returns every credential.
func (p *Pool) ListAll(ctx context.Context) ([]*credential.Credential, error) {
	return p.store.ListCredentials(ctx)
}

// ListRunning returns credentials in the RUNNING state.
func (p *Pool) ListRunning(ctx context.Context) ([]*credential.Credential, error) {
	return p.listByStatus(ctx, credential.StatusRunning)
}

// ListDown returns credentials in the DOWN state.
func (p *Pool) ListDown(ctx context.Context) ([]*credential.Credential, error) {
	return p.listByStatus(ctx, credential.StatusDown)
}

func (p *Pool) listByStatus(ctx context.Context, status credential.Status) ([]*credential.Credential, error) {
	all, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	var out []*credential.Credential
	for _, cred := range all {
		if cred.Status == status {
			out = append(out, cred)
		}
	}
	return out, nil
}

// UpdateStatus transitions a credential to the given status. Transitions
// into unavailable states stamp the error fields; ban/limit/error
// transitions are suppressed for status-exempt (Azure) credentials.
func (p *Pool) UpdateStatus(ctx context.Context, id string, status credential.Status, errMsg string) error {
	cred, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	return p.updateStatus(ctx, cred, status, errMsg)
}

// UpdateStatusByEmail is UpdateStatus keyed by email.
func (p *Pool) UpdateStatusByEmail(ctx context.Context, email string, status credential.Status, errMsg string) error {
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		return err
	}
	return p.updateStatus(ctx, cred, status, errMsg)
}

func (p *Pool) updateStatus(ctx context.Context, cred *credential.Credential, status credential.Status, errMsg string) error {
	if suppressed(cred, status) {
		p.logger.Debug("status change suppressed for exempt credential",
			"id", cred.ID, "type", cred.Type, "status", status.String())
		return nil
	}

	update := store.CredentialUpdate{Status: &status}
	if status.Unavailable() {
		now := time.Now().UnixMilli()
		update.ErrorMsg = &errMsg
		update.ErrorTimestamp = &now
	}
	if err := p.store.UpdateCredential(ctx, cred.ID, update); err != nil {
		return err
	}

	p.logger.Info("credential status updated",
		"id", cred.ID, "status", status.String(), "error_msg", errMsg)
	go p.onChange()
	return nil
}

// Azure deployments stay in rotation through ban/limit/error signals; the
// upstream quota model recovers on its own and pulling a deployment out
// starves the pool.
func suppressed(cred *credential.Credential, status credential.Status) bool {
	if !cred.StatusExempt() {
		return false
	}
	switch status {
	case credential.StatusError, credential.StatusFrequent, credential.StatusBanned:
		return true
	default:
		return false
	}
}

// RandomRunningEmail picks uniformly among running credentials' emails,
// for callers that fetch account metadata by identifier.
func (p *Pool) RandomRunningEmail(ctx context.Context) (string, error) {
	running, err := p.ListRunning(ctx)
	if err != nil {
		return "", err
	}
	var emails []string
	for _, cred := range running {
		if cred.Email != "" {
			emails = append(emails, cred.Email)
		}
	}
	if len(emails) == 0 {
		return "", fmt.Errorf("no running credential with an email")
	}
	return emails[p.randIntn(len(emails))], nil
}

// ActiveAPIKey picks uniformly among running credentials' API keys, for
// callers that talk to the upstream directly rather than through the
// gateway.
func (p *Pool) ActiveAPIKey(ctx context.Context) (string, error) {
	running, err := p.ListRunning(ctx)
	if err != nil {
		return "", err
	}
	var keys []string
	for _, cred := range running {
		if cred.APIKey != "" {
			keys = append(keys, cred.APIKey)
		}
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no running credential with an api key")
	}
	return keys[p.randIntn(len(keys))], nil
}

// ValidCredential returns a usable credential for an outbound call. The
// preferred provider type comes from the weight table; matching RUNNING
// credentials are sampled (at most sampleSize) and one is picked uniformly
// from the sample. Returns nil when no candidate exists.
func (p *Pool) ValidCredential(ctx context.Context) (*credential.Credential, error) {
	var preferred credential.ProviderType
	if p.picker != nil {
		preferred = p.picker.PickType(ctx)
	}
	return p.ValidCredentialOfType(ctx, preferred)
}

// ValidCredentialOfType is ValidCredential with an explicit type filter;
// an empty type means no preference.
func (p *Pool) ValidCredentialOfType(ctx context.Context, typ credential.ProviderType) (*credential.Credential, error) {
	all, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*credential.Credential
	for _, cred := range all {
		if cred.Status != credential.StatusRunning {
			continue
		}
		if typ != "" && cred.Type != typ {
			continue
		}
		candidates = append(candidates, cred)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sample := p.sample(candidates, sampleSize)
	return sample[p.randIntn(len(sample))], nil
}

// sample draws up to n elements without replacement.
func (p *Pool) sample(candidates []*credential.Credential, n int) []*credential.Credential {
	if len(candidates) <= n {
		return candidates
	}
	shuffled := make([]*credential.Credential, len(candidates))
	copy(shuffled, candidates)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := p.randIntn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

package keymux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blueberrycongee/keymux/internal/dispatch"
	"github.com/blueberrycongee/keymux/internal/gateway"
	"github.com/blueberrycongee/keymux/internal/metrics"
	"github.com/blueberrycongee/keymux/internal/notify"
	"github.com/blueberrycongee/keymux/internal/pool"
	"github.com/blueberrycongee/keymux/internal/selector"
	"github.com/blueberrycongee/keymux/internal/store"
	"github.com/blueberrycongee/keymux/internal/tokenizer"
	"github.com/blueberrycongee/keymux/pkg/credential"
	kerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

// Client is the completion orchestrator. It composes credential selection,
// upstream dispatch, failure classification and conversation persistence.
type Client struct {
	logger     *slog.Logger
	store      store.Store
	pool       *pool.Pool
	gateway    gateway.Gateway
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier

	maxRetries     int
	contextBudget  int
	reservedBudget int
	retryDelay     time.Duration
	defaultModel   string
	models         []string
}

// New creates a Client. Without options it runs against the in-memory
// store and the production HTTP gateway.
func New(opts ...Option) *Client {
	c := &Client{
		logger:         slog.Default(),
		notifier:       notify.Noop{},
		maxRetries:     DefaultMaxRetries,
		contextBudget:  DefaultContextBudget,
		reservedBudget: DefaultReservedBudget,
		retryDelay:     defaultRetryDelay,
		defaultModel:   DefaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.gateway == nil {
		c.gateway = gateway.New(gateway.WithLogger(c.logger))
	}
	if c.dispatcher == nil {
		c.dispatcher = dispatch.New(dispatch.WithLogger(c.logger))
	}
	c.pool = pool.New(c.store,
		pool.WithLogger(c.logger),
		pool.WithTypePicker(selector.New(c.store, selector.WithLogger(c.logger))),
	)
	return c
}

// Pool exposes the credential pool for the HTTP surface and the health
// monitor.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Dispatcher exposes the task dispatcher for metrics wiring.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Completion performs a completion with credential rotation. The model
// must be on the allow-list when one is configured.
func (c *Client) Completion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if err := c.validateModel(req); err != nil {
		return nil, err
	}
	resp, _, err := completeWithRetries(c, ctx, req, func(ctx context.Context, cred *credential.Credential) (*types.ChatResponse, error) {
		return c.gateway.RequestCompletion(ctx, cred, req)
	})
	return resp, err
}

// CompletionStream is Completion with a streamed response. Rotation covers
// connection and status failures; once the stream is handed over, errors
// belong to the caller.
func (c *Client) CompletionStream(ctx context.Context, req *types.ChatRequest) (io.ReadCloser, error) {
	if err := c.validateModel(req); err != nil {
		return nil, err
	}
	body, _, err := completeWithRetries(c, ctx, req, func(ctx context.Context, cred *credential.Credential) (io.ReadCloser, error) {
		return c.gateway.RequestCompletionStream(ctx, cred, req)
	})
	return body, err
}

func (c *Client) validateModel(req *types.ChatRequest) error {
	if err := req.Validate(); err != nil {
		return kerrors.NewValidationError("%v", err)
	}
	if len(c.models) == 0 {
		return nil
	}
	for _, m := range c.models {
		if m == req.Model {
			return nil
		}
	}
	return kerrors.NewValidationError("model %q is not allowed", req.Model)
}

// completeWithRetries runs the classification ladder: acquire a credential,
// call upstream, and on failure decide the credential's fate and whether to
// rotate. Every retry re-runs credential acquisition, so a different
// credential is likely (not guaranteed) to serve the next attempt.
func completeWithRetries[T any](
	c *Client,
	ctx context.Context,
	req *types.ChatRequest,
	call func(ctx context.Context, cred *credential.Credential) (T, error),
) (T, *credential.Credential, error) {
	var zero T
	var lastErr error
	unclassifiedSeen := false

	started := time.Now()
	// The initial call is free; maxRetries bounds the retries after it.
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		cred, err := c.pool.ValidCredential(ctx)
		if err != nil {
			return zero, nil, err
		}
		if cred == nil {
			return zero, nil, kerrors.ErrNoAvailableCredential
		}

		result, err := call(ctx, cred)
		if err == nil {
			metrics.RecordRequest(string(cred.Type), req.Model, 200, time.Since(started))
			return result, cred, nil
		}
		lastErr = err

		outcome := kerrors.Classify(err)
		metrics.RecordFailure(string(cred.Type), outcome.String())
		c.logger.Warn("completion attempt failed",
			"attempt", attempt+1,
			"credential", cred.ID,
			"outcome", outcome.String(),
			"error", err,
		)

		switch outcome {
		case kerrors.OutcomeFatal:
			return zero, nil, err

		case kerrors.OutcomeBanned:
			c.markCredential(ctx, cred, credential.StatusBanned, err)
			c.pause(ctx)

		case kerrors.OutcomeRateLimited:
			c.markCredential(ctx, cred, credential.StatusFrequent, err)

		case kerrors.OutcomeTransient:
			c.pause(ctx)

		case kerrors.OutcomeUnknown:
			c.markCredential(ctx, cred, credential.StatusError, err)
			if unclassifiedSeen {
				return zero, nil, err
			}
			unclassifiedSeen = true
		}
		metrics.RecordRetry(outcome.String())
	}

	exhausted := &kerrors.RetriesExhaustedError{Retries: c.maxRetries, Last: lastErr}
	if alarmErr := c.notifier.SendAlarm(ctx, "completion retries exhausted",
		exhausted.Error(), "completion-retries", "", notify.AlarmDefault); alarmErr != nil {
		c.logger.Error("alarm delivery failed", "error", alarmErr)
	}
	return zero, nil, exhausted
}

// markCredential applies a status transition; the pool suppresses it for
// exempt (Azure) credentials.
func (c *Client) markCredential(ctx context.Context, cred *credential.Credential, status credential.Status, cause error) {
	if err := c.pool.UpdateStatus(ctx, cred.ID, status, cause.Error()); err != nil {
		c.logger.Error("credential status update failed", "credential", cred.ID, "error", err)
	}
}

func (c *Client) pause(ctx context.Context) {
	if c.retryDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.retryDelay):
	}
}

// SendMessage runs one conversational exchange: load history, append the
// user message, build the token-bounded prompt, run the completion through
// the per-session dispatcher partition, then persist the trimmed history
// plus the assistant reply.
func (c *Client) SendMessage(ctx context.Context, message, sessionID string) (string, error) {
	if message == "" {
		return "", kerrors.NewValidationError("message is required")
	}
	if sessionID == "" {
		return "", kerrors.NewValidationError("sessionId is required")
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		session = &types.Session{SessionID: sessionID}
	} else if err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	session.Messages = append(session.Messages, types.StoredMessage{
		Role:       types.RoleUser,
		Content:    message,
		TokenCount: tokenizer.Count(message),
		Timestamp:  now,
	})

	budget := c.contextBudget - c.reservedBudget
	kept, promptTokens := buildPrompt(session.Messages, budget)
	if len(kept) == 0 {
		return "", kerrors.NewValidationError("message exceeds the context budget")
	}

	req := &types.ChatRequest{
		Model:     c.defaultModel,
		Messages:  chatMessages(kept),
		MaxTokens: min(c.contextBudget-promptTokens, c.reservedBudget),
	}

	// One in-flight exchange per conversation; identical resubmits of the
	// same message coalesce onto the pending execution.
	future, err := c.dispatcher.Submit(sessionID, func() (any, error) {
		resp, cred, err := completeWithRetries(c, ctx, req, func(ctx context.Context, cred *credential.Credential) (*types.ChatResponse, error) {
			return c.gateway.RequestCompletion(ctx, cred, req)
		})
		if err != nil {
			return nil, err
		}
		return &exchangeResult{response: resp, credentialID: cred.ID, provider: string(cred.Type)}, nil
	}, dispatch.Options{UniqueKey: message})
	if err != nil {
		c.clearAffinity(ctx, session)
		return "", err
	}

	value, err := future.Wait(ctx)
	if err != nil {
		c.clearAffinity(ctx, session)
		return "", err
	}
	result := value.(*exchangeResult)

	reply := result.response.FirstContent()
	session.Messages = append(kept, types.StoredMessage{
		Role:       types.RoleAssistant,
		Content:    reply,
		TokenCount: tokenizer.Count(reply),
		Timestamp:  time.Now().UnixMilli(),
	})
	session.CredentialID = result.credentialID
	session.UpdatedAt = time.Now().UnixMilli()

	if err := c.store.PutSession(ctx, session); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	if usage := result.response.Usage; usage != nil {
		metrics.RecordTokens(result.provider, req.Model, usage.PromptTokens, usage.CompletionTokens)
	}
	return reply, nil
}

type exchangeResult struct {
	response     *types.ChatResponse
	credentialID string
	provider     string
}

// clearAffinity drops the session's credential linkage after any
// unrecovered failure, admission rejection included, so the next exchange
// starts clean.
func (c *Client) clearAffinity(ctx context.Context, session *types.Session) {
	if session.CredentialID == "" {
		return
	}
	session.CredentialID = ""
	if err := c.store.PutSession(ctx, session); err != nil {
		c.logger.Error("session affinity reset failed", "session", session.SessionID, "error", err)
	}
}

package keymux

import (
	"log/slog"
	"time"

	"github.com/blueberrycongee/keymux/internal/dispatch"
	"github.com/blueberrycongee/keymux/internal/gateway"
	"github.com/blueberrycongee/keymux/internal/notify"
	"github.com/blueberrycongee/keymux/internal/store"
)

// Defaults for the completion orchestrator. The context budget matches the
// 4k-token model family the conversational path targets.
const (
	DefaultMaxRetries     = 10
	DefaultContextBudget  = 4096
	DefaultReservedBudget = 1000
	DefaultModel          = "gpt-3.5-turbo"

	defaultRetryDelay = 500 * time.Millisecond
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStore sets the backing store for credentials, weights and sessions.
func WithStore(s store.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithGateway overrides the upstream gateway.
func WithGateway(g gateway.Gateway) Option {
	return func(c *Client) { c.gateway = g }
}

// WithDispatcher overrides the task dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithNotifier sets the alarm sink.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithMaxRetries bounds the completion retry loop.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithContextBudget sets the model context window and the share of it
// reserved for the response.
func WithContextBudget(contextTokens, reservedTokens int) Option {
	return func(c *Client) {
		if contextTokens > 0 && reservedTokens > 0 && reservedTokens < contextTokens {
			c.contextBudget = contextTokens
			c.reservedBudget = reservedTokens
		}
	}
}

// WithModels sets the model allow-list for Completion. Empty means any
// model is accepted.
func WithModels(models []string) Option {
	return func(c *Client) { c.models = models }
}

// WithDefaultModel sets the model used by the conversational path.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.defaultModel = model
		}
	}
}

// WithRetryDelay sets the pause before retrying after a ban or transient
// failure. Zero disables the pause (tests).
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

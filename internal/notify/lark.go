package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/internal/store"
)

const larkWebhookBase = "https://open.feishu.cn/open-apis/bot/v2/hook/"

// LarkNotifier sends card messages to a Lark group webhook and enforces the
// per-(key, type) re-trigger cooldown through the alarm store.
type LarkNotifier struct {
	webhookKey string
	alarms     store.AlarmStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// LarkOption configures a LarkNotifier.
type LarkOption func(*LarkNotifier)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) LarkOption {
	return func(n *LarkNotifier) { n.httpClient = client }
}

// WithLogger sets the notifier logger.
func WithLogger(logger *slog.Logger) LarkOption {
	return func(n *LarkNotifier) { n.logger = logger }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) LarkOption {
	return func(n *LarkNotifier) { n.now = now }
}

// NewLark creates a LarkNotifier for the given webhook key.
func NewLark(webhookKey string, alarms store.AlarmStore, opts ...LarkOption) *LarkNotifier {
	n := &LarkNotifier{
		webhookKey: webhookKey,
		alarms:     alarms,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type larkCardHeader struct {
	Title struct {
		Tag     string `json:"tag"`
		Content string `json:"content"`
	} `json:"title"`
	Template string `json:"template"`
}

type larkCardElement struct {
	Tag  string `json:"tag"`
	Text struct {
		Tag     string `json:"tag"`
		Content string `json:"content"`
	} `json:"text"`
}

type larkCard struct {
	Header   larkCardHeader    `json:"header"`
	Elements []larkCardElement `json:"elements"`
}

// SendAlarm raises a card alarm unless the same (key, type) alarm fired
// within its cooldown window. Delivery failures are logged, never returned
// as hard errors to the raising path.
func (n *LarkNotifier) SendAlarm(ctx context.Context, title, body, key, colorHint string, typ AlarmType) error {
	if key == "" {
		key = title
	}
	if colorHint == "" {
		colorHint = ColorYellow
	}

	nowMs := n.now().UnixMilli()
	existing, err := n.alarms.GetAlarm(ctx, key, string(typ))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && nowMs-existing.LastAlarmAt < TriggerInterval(typ).Milliseconds() {
		return nil
	}

	if err := n.sendCard(ctx, title, body, colorHint); err != nil {
		n.logger.Error("alarm delivery failed", "key", key, "type", typ, "error", err)
		return nil
	}

	record := &store.AlarmRecord{
		Key:              key,
		Type:             string(typ),
		LastAlarmAt:      nowMs,
		FirstTriggeredAt: nowMs,
	}
	if existing != nil {
		record.FirstTriggeredAt = existing.FirstTriggeredAt
	}
	return n.alarms.PutAlarm(ctx, record)
}

// ClearAlarm resolves an active alarm with a green recovery card carrying
// the alarm duration.
func (n *LarkNotifier) ClearAlarm(ctx context.Context, title, body, key string, typ AlarmType) error {
	alarm, err := n.alarms.GetAlarm(ctx, key, string(typ))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	duration := time.Duration(n.now().UnixMilli()-alarm.FirstTriggeredAt) * time.Millisecond
	if err := n.alarms.DeleteAlarm(ctx, key, string(typ)); err != nil {
		return err
	}

	text := fmt.Sprintf("duration: %.2f min\n%s", duration.Minutes(), body)
	if err := n.sendCard(ctx, title, text, ColorGreen); err != nil {
		n.logger.Error("alarm clear delivery failed", "key", key, "type", typ, "error", err)
	}
	return nil
}

func (n *LarkNotifier) sendCard(ctx context.Context, title, body, color string) error {
	if n.webhookKey == "" {
		return fmt.Errorf("no lark webhook key configured")
	}

	card := larkCard{}
	card.Header.Title.Tag = "plain_text"
	card.Header.Title.Content = title
	card.Header.Template = color
	element := larkCardElement{Tag: "div"}
	element.Text.Tag = "lark_md"
	element.Text.Content = body
	card.Elements = []larkCardElement{element}

	payload, err := json.Marshal(map[string]any{
		"msg_type": "interactive",
		"card":     card,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, larkWebhookBase+n.webhookKey, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode lark response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("lark rejected message: %s", result.Msg)
	}
	return nil
}

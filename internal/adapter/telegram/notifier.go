// Package telegram posts operator notifications to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"reportsched/internal/orchestrator"
	"reportsched/internal/shared"
)

// Sender is the part of *bot.Bot the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// NewBot creates a send-only bot. The token is not verified until the first send.
func NewBot(token string, opts ...bot.Option) (*bot.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, shared.MarkKind(errors.New("telegram: token is required"), shared.KindValidation)
	}
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	return bot.New(token, opts...)
}

// Notifier implements orchestrator.Notifier.
type Notifier struct {
	sender Sender
	chatID any
	log    *slog.Logger
	gap    time.Duration

	mu   sync.Mutex
	next time.Time
}

// DefaultGap spaces messages to one chat; Telegram throttles faster senders.
const DefaultGap = time.Second

// NewNotifier returns a notifier posting to chat, which is a numeric chat id or an
// @channel username.
func NewNotifier(s Sender, chat string, log *slog.Logger) (*Notifier, error) {
	chat = strings.TrimSpace(chat)
	if s == nil || chat == "" {
		return nil, shared.MarkKind(errors.New("telegram: sender and chat are required"), shared.KindValidation)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var id any = chat
	if n, err := strconv.ParseInt(chat, 10, 64); err == nil {
		id = n
	}
	return &Notifier{sender: s, chatID: id, log: log, gap: DefaultGap}, nil
}

// WithGap overrides the minimum interval between messages.
func (n *Notifier) WithGap(d time.Duration) *Notifier {
	n.gap = max(d, 0)
	return n
}

// NotifyGenerated posts a message about a generated report.
func (n *Notifier) NotifyGenerated(ctx context.Context, ev orchestrator.Notification) error {
	if err := n.wait(ctx); err != nil {
		return err
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   Format(ev),
	})
	if err != nil {
		return shared.MarkKind(fmt.Errorf("telegram: send message: %w", err), shared.KindDependencyFailure)
	}
	n.log.DebugContext(ctx, "notification sent", "trigger", string(ev.Trigger), "run_id", ev.RunID)
	return nil
}

// wait blocks until the chat's send slot opens.
func (n *Notifier) wait(ctx context.Context) error {
	n.mu.Lock()
	now := time.Now()
	slot := now
	if n.next.After(now) {
		slot = n.next
	}
	n.next = slot.Add(n.gap)
	n.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Format renders the message text. The tenant is identified by its token only.
func Format(ev orchestrator.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report %s generated\n", ev.Trigger)
	fmt.Fprintf(&b, "tenant: %s\n", ev.TenantToken)
	if ev.CloudID != "" {
		fmt.Fprintf(&b, "cloud: %s\n", ev.CloudID)
	}
	fmt.Fprintf(&b, "attempt: %d\n", ev.Attempt)
	fmt.Fprintf(&b, "at: %s", ev.GeneratedAt.UTC().Format(time.RFC3339))
	if ev.RunID != "" {
		fmt.Fprintf(&b, "\nrun: %s", ev.RunID)
	}
	return b.String()
}

// Package notify sends human-facing email about request lifecycle events.
//
// Delivery is fire-and-forget: sends run in their own goroutine with panic
// containment, and a failed or slow mail server can never fail or delay the
// lifecycle operation that triggered the notification.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/soudan-ai/soudan/internal/model"
)

// sendTimeout bounds a single provider send.
const sendTimeout = 15 * time.Second

// Message is one outbound notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Provider delivers a Message. Implementations: SMTPProvider, LogProvider.
type Provider interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// RecipientFunc returns the addresses to notify for lifecycle events,
// typically the active reviewers.
type RecipientFunc func(ctx context.Context) ([]string, error)

// Notifier builds and sends lifecycle notifications. It satisfies the
// request service's Notifier interface.
type Notifier struct {
	provider   Provider
	recipients RecipientFunc
	baseURL    string
	logger     *slog.Logger
}

// New creates a Notifier.
func New(provider Provider, recipients RecipientFunc, baseURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		provider:   provider,
		recipients: recipients,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// RequestCreated notifies reviewers that a new request is waiting.
func (n *Notifier) RequestCreated(ctx context.Context, req model.ConsultationRequest) {
	body := fmt.Sprintf(
		"An agent is waiting on a human decision.\r\n\r\nTitle: %s\r\n%s\r\nReview it at: %s/v1/requests/%s\r\n",
		req.Title, describeDeadline(req), n.baseURL, req.ID,
	)
	n.send(ctx, "[soudan] New consultation request: "+req.Title, body)
}

// RequestResponded notifies that a request received a decision.
func (n *Notifier) RequestResponded(_ context.Context, req model.ConsultationRequest) {
	if req.Response == nil {
		return
	}
	body := fmt.Sprintf(
		"Request %q was answered.\r\n\r\nDecision: %s\r\nComment: %s\r\n",
		req.Title, req.Response.Decision, req.Response.Comment,
	)
	n.send(context.Background(), "[soudan] Request answered: "+req.Title, body)
}

// RequestExpired notifies that a request timed out unanswered.
func (n *Notifier) RequestExpired(_ context.Context, req model.ConsultationRequest) {
	body := fmt.Sprintf(
		"Request %q expired without a response.\r\n\r\nThe requesting agent was not called back; it must poll or re-ask.\r\n",
		req.Title,
	)
	n.send(context.Background(), "[soudan] Request expired: "+req.Title, body)
}

func describeDeadline(req model.ConsultationRequest) string {
	if req.TimeoutAt == nil {
		return ""
	}
	return fmt.Sprintf("Deadline: %s\r\n", req.TimeoutAt.UTC().Format(time.RFC3339))
}

// send resolves recipients and delivers asynchronously. All failures are
// logged and swallowed.
func (n *Notifier) send(ctx context.Context, subject, body string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("notify: send panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		// Detach from the caller's context: the triggering HTTP request may
		// complete (and cancel) before the mail goes out.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		to, err := n.recipients(sendCtx)
		if err != nil {
			n.logger.Warn("notify: resolve recipients", "error", err)
			return
		}
		if len(to) == 0 {
			return
		}

		if err := n.provider.Send(sendCtx, Message{To: to, Subject: subject, Body: body}); err != nil {
			n.logger.Warn("notify: send failed", "provider", n.provider.Name(), "error", err)
		}
	}()
}

// Package notify renders transactional emails and hands them to the job queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/localhub/localhub/internal/view"
	"github.com/localhub/localhub/jobs"
)

// TemplateParams are the values substituted into an email.
type TemplateParams struct {
	Name      string
	Link      string
	ExpiresAt time.Time
	ChangedAt time.Time

	// CredentialID and ResetDigest let the worker revoke a reset token
	// whose email could not be delivered.
	CredentialID string
	ResetDigest  string
}

// Notifier sends the account lifecycle emails. Each call fails
// independently of the others.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, to string, params TemplateParams) error
	SendWelcomeEmail(ctx context.Context, to string, params TemplateParams) error
	SendPasswordResetEmail(ctx context.Context, to string, params TemplateParams) error
	SendPasswordChangedEmail(ctx context.Context, to string, params TemplateParams) error
}

// Enqueuer submits send-email tasks.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, queue string, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

type kind struct {
	name     string
	subject  string
	template string
	queue    string
}

var (
	kindVerification    = kind{"verification", "Verify your LocalHub email", "verification.html", jobs.QueueDefault}
	kindWelcome         = kind{"welcome", "Welcome to LocalHub", "welcome.html", jobs.QueueDefault}
	kindPasswordReset   = kind{jobs.EmailKindPasswordReset, "Reset your LocalHub password", "password_reset.html", jobs.QueueCritical}
	kindPasswordChanged = kind{"password_changed", "Your LocalHub password was changed", "password_changed.html", jobs.QueueDefault}
)

// QueueNotifier renders emails and enqueues them for the worker.
type QueueNotifier struct {
	templates *view.Engine
	queue     Enqueuer
}

// NewQueueNotifier constructs a QueueNotifier.
func NewQueueNotifier(templates *view.Engine, queue Enqueuer) (*QueueNotifier, error) {
	if templates == nil || queue == nil {
		return nil, errors.New("notify: templates and queue are required")
	}
	return &QueueNotifier{templates: templates, queue: queue}, nil
}

// SendVerificationEmail enqueues the verify-email link.
func (n *QueueNotifier) SendVerificationEmail(ctx context.Context, to string, params TemplateParams) error {
	return n.send(ctx, kindVerification, to, params)
}

// SendWelcomeEmail enqueues the welcome message.
func (n *QueueNotifier) SendWelcomeEmail(ctx context.Context, to string, params TemplateParams) error {
	return n.send(ctx, kindWelcome, to, params)
}

// SendPasswordResetEmail enqueues the reset link on the critical queue.
func (n *QueueNotifier) SendPasswordResetEmail(ctx context.Context, to string, params TemplateParams) error {
	return n.send(ctx, kindPasswordReset, to, params)
}

// SendPasswordChangedEmail enqueues the password change confirmation.
func (n *QueueNotifier) SendPasswordChangedEmail(ctx context.Context, to string, params TemplateParams) error {
	return n.send(ctx, kindPasswordChanged, to, params)
}

func (n *QueueNotifier) send(ctx context.Context, k kind, to string, params TemplateParams) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("notify %s: recipient is required", k.name)
	}
	body, err := n.templates.Render(k.template, view.EmailData{
		Subject:   k.subject,
		Name:      params.Name,
		Link:      params.Link,
		ExpiresAt: params.ExpiresAt,
		ChangedAt: params.ChangedAt,
	})
	if err != nil {
		return fmt.Errorf("notify %s: render: %w", k.name, err)
	}
	if _, err := n.queue.EnqueueSendEmail(ctx, k.queue, jobs.SendEmailPayload{
		Kind:    k.name,
		To:      to,
		Subject: k.subject,
		Body:    body,

		CredentialID: params.CredentialID,
		ResetDigest:  params.ResetDigest,
	}); err != nil {
		return fmt.Errorf("notify %s: enqueue: %w", k.name, err)
	}
	return nil
}

var _ Notifier = (*QueueNotifier)(nil)

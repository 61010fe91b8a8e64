package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/localhub/localhub/internal/jobs"
	"github.com/localhub/localhub/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries password reset mail, which the caller waits on.
	QueueCritical = "critical"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskPurgeExpiredTokens clears expired one-time tokens.
	TaskPurgeExpiredTokens = "credentials:purge-expired-tokens"
	// EmailKindPasswordReset marks mail carrying a live reset link.
	EmailKindPasswordReset = "password_reset"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// CredentialID and ResetDigest identify the reset token a
	// password_reset email delivers, so it can be revoked when delivery
	// is abandoned.
	CredentialID string `json:"credentialId,omitempty"`
	ResetDigest  string `json:"resetDigest,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("send email: recipient is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// ResetRevoker clears a reset token that can no longer be delivered.
type ResetRevoker interface {
	RevokeReset(ctx context.Context, credentialID, digest string) error
}

// EmailJob delivers queued emails.
type EmailJob struct {
	Mailer  Mailer
	Resets  ResetRevoker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskTypeSendEmail tasks. Malformed payloads are not retried.
func (j *EmailJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Mailer == nil {
		return errors.New("send email: mailer not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("send email: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(payload.To) == "" {
		return fmt.Errorf("send email: empty recipient: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskTypeSendEmail)
	defer func() {
		err = tracker.End(err)
	}()

	if err := j.Mailer.Send(ctx, mail.Message{To: payload.To, Subject: payload.Subject, HTML: payload.Body}); err != nil {
		j.log().Warn("send email", slog.String("kind", payload.Kind), slog.Any("error", err))
		return err
	}
	j.log().Info("email sent", slog.String("kind", payload.Kind))
	return nil
}

// HandleError is registered as the worker's asynq error handler. Once a
// password_reset email has failed for the last time its token is revoked,
// so a link nobody received cannot be used.
func (j *EmailJob) HandleError(ctx context.Context, t *asynq.Task, err error) {
	if j == nil || t == nil || t.Type() != TaskTypeSendEmail || !exhausted(ctx, err) {
		return
	}
	var payload SendEmailPayload
	if json.Unmarshal(t.Payload(), &payload) != nil || payload.Kind != EmailKindPasswordReset {
		return
	}
	if payload.CredentialID == "" || payload.ResetDigest == "" || j.Resets == nil {
		j.log().Error("reset email abandoned without revocable token", slog.Any("error", err))
		return
	}
	if rerr := j.Resets.RevokeReset(context.WithoutCancel(ctx), payload.CredentialID, payload.ResetDigest); rerr != nil {
		j.log().Error("revoke undelivered reset token",
			slog.String("credential_id", payload.CredentialID), slog.Any("error", rerr))
		return
	}
	j.log().Warn("reset email abandoned, token revoked", slog.String("credential_id", payload.CredentialID))
}

// exhausted reports whether err ends the task for good.
func exhausted(ctx context.Context, err error) bool {
	if errors.Is(err, asynq.SkipRetry) {
		return true
	}
	retried, maxRetry, ok := retryState(ctx)
	return ok && retried >= maxRetry
}

// retryState reads the attempt counters asynq stores in the handler context.
var retryState = func(ctx context.Context) (retried, maxRetry int, ok bool) {
	retried, ok = asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok = asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

func (j *EmailJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// TokenPurger clears expired one-time token fields.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// PurgeTokensJob sweeps expired verification and reset tokens.
type PurgeTokensJob struct {
	Purger  TokenPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPurgeTokensJob constructs the sweep job handler.
func NewPurgeTokensJob(purger TokenPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *PurgeTokensJob {
	return &PurgeTokensJob{
		Purger:  purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewPurgeExpiredTokensTask creates the task registered on the scheduler.
func NewPurgeExpiredTokensTask() *asynq.Task {
	return asynq.NewTask(TaskPurgeExpiredTokens, nil, asynq.Queue(QueueDefault))
}

// Handle executes the sweep.
func (j *PurgeTokensJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("purge tokens: purger not configured")
	}
	tracker := j.Metrics.Track(TaskPurgeExpiredTokens)
	defer func() {
		err = tracker.End(err)
	}()

	purged, err := j.Purger.PurgeExpiredTokens(ctx, j.clock())
	if err != nil {
		j.log().Error("purge expired tokens", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurged(purged)
	if purged > 0 {
		j.log().Info("expired tokens purged", slog.Int64("count", purged))
	}
	return nil
}

func (j *PurgeTokensJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

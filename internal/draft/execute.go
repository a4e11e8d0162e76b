package draft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"concierge/api/internal/action"
	"concierge/api/internal/store"
)

// Store is the persistence surface the bridge needs. Both backends in
// internal/store satisfy it.
type Store interface {
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
	TransitionDraft(ctx context.Context, draftID string, from, to store.DraftStatus, execResult *store.ExecutionResult) (bool, error)
}

// AttachmentFetcher loads staged attachment bytes at send time. Optional;
// a nil fetcher sends emails without attachment content.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, draftID string, att store.Attachment) ([]byte, error)
}

// Outcome is the success result of an execution.
type Outcome struct {
	Status     store.DraftStatus `json:"status"`
	ExternalID string            `json:"externalId"`
}

// Bridge owns the validate -> map -> invoke -> record pipeline. The CAS
// into SENDING before the external call guarantees at most one invocation
// per draft, however many callers race.
type Bridge struct {
	store       Store
	executor    action.Executor
	attachments AttachmentFetcher
	timeout     time.Duration
}

func NewBridge(s Store, executor action.Executor, attachments AttachmentFetcher, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{store: s, executor: executor, attachments: attachments, timeout: timeout}
}

// Execute runs the terminal action for a draft. Typed failures:
// ErrNotFound, ErrInvalidState, *IncompleteDraftError (no state change),
// *ExecutionFailedError (draft moved to EXECUTION_ERROR).
func (b *Bridge) Execute(ctx context.Context, draftID string) (Outcome, error) {
	d, err := b.store.GetDraft(ctx, draftID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load draft: %w", err)
	}

	if d.Status != store.StatusActive {
		return Outcome{}, fmt.Errorf("%w: status is %s", ErrInvalidState, d.Status)
	}

	validation := Validate(d)
	if !validation.IsComplete {
		return Outcome{}, &IncompleteDraftError{MissingFields: validation.MissingFields}
	}

	// Claim the draft before touching the network. The loser of a race
	// sees the swap fail and reports InvalidState without a second call.
	swapped, err := b.store.TransitionDraft(ctx, draftID, store.StatusActive, store.StatusSending, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim draft: %w", err)
	}
	if !swapped {
		return Outcome{}, fmt.Errorf("%w: draft already claimed", ErrInvalidState)
	}

	// Re-read now that the draft is claimed: a merge that landed between
	// the first load and the swap must be part of what gets sent. Merges
	// never clear fields, so the draft is still complete.
	d, err = b.store.GetDraft(ctx, draftID)
	if err != nil {
		result := &store.ExecutionResult{
			Error:      fmt.Sprintf("reload claimed draft: %v", err),
			Cause:      CauseSendFailed,
			ExecutedAt: time.Now(),
		}
		_, _ = b.store.TransitionDraft(ctx, draftID, store.StatusSending, store.StatusExecutionError, result)
		return Outcome{}, fmt.Errorf("reload claimed draft: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	externalID, execErr := b.invoke(callCtx, d)
	executedAt := time.Now()

	if execErr != nil {
		cause := CauseSendFailed
		if errors.Is(execErr, context.DeadlineExceeded) {
			cause = CauseTimeout
		}
		result := &store.ExecutionResult{
			Error:      execErr.Error(),
			Cause:      cause,
			ExecutedAt: executedAt,
		}
		if _, err := b.store.TransitionDraft(ctx, draftID, store.StatusSending, store.StatusExecutionError, result); err != nil {
			return Outcome{}, fmt.Errorf("record execution error: %w", err)
		}
		return Outcome{}, &ExecutionFailedError{Cause: cause, Err: execErr}
	}

	result := &store.ExecutionResult{
		ExternalID: externalID,
		ExecutedAt: executedAt,
	}
	if _, err := b.store.TransitionDraft(ctx, draftID, store.StatusSending, store.StatusClosed, result); err != nil {
		return Outcome{}, fmt.Errorf("record execution result: %w", err)
	}

	return Outcome{Status: store.StatusClosed, ExternalID: externalID}, nil
}

func (b *Bridge) invoke(ctx context.Context, d store.Draft) (string, error) {
	switch d.Type {
	case store.DraftEmail:
		params := MapEmailParams(d)
		if b.attachments != nil {
			for _, att := range d.Email.Attachments {
				data, err := b.attachments.Fetch(ctx, d.ID, att)
				if err != nil {
					return "", fmt.Errorf("fetch attachment %s: %w", att.ID, err)
				}
				params.Attachments = append(params.Attachments, action.Payload{
					Filename:    att.Filename,
					ContentType: att.ContentType,
					Data:        data,
				})
			}
		}
		return b.executor.SendEmail(ctx, params)
	case store.DraftCalendarEvent:
		return b.executor.CreateEvent(ctx, MapEventParams(d))
	default:
		return "", fmt.Errorf("unknown draft type %s", d.Type)
	}
}

// MapEmailParams translates email draft fields into the executor's shape.
// Pure; attachment content is attached separately by the bridge.
func MapEmailParams(d store.Draft) action.EmailParams {
	f := d.Email
	return action.EmailParams{
		To:            append([]store.Recipient(nil), f.To...),
		CC:            append([]store.Recipient(nil), f.CC...),
		BCC:           append([]store.Recipient(nil), f.BCC...),
		Subject:       f.Subject,
		Body:          f.Body,
		GmailThreadID: f.GmailThreadID,
	}
}

// MapEventParams translates calendar draft fields into the executor's
// shape. Callers must have validated the draft first: times are required.
func MapEventParams(d store.Draft) action.EventParams {
	f := d.Calendar
	return action.EventParams{
		Summary:     f.Summary,
		Start:       *f.StartTime,
		End:         *f.EndTime,
		Attendees:   append([]store.Recipient(nil), f.Attendees...),
		Location:    f.Location,
		Description: f.Description,
	}
}

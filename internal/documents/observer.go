package documents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Observer receives document lifecycle notifications. Implementations opt
// into stages by also implementing the stage interfaces below; dispatch
// follows registration order.
type Observer interface {
	Name() string
}

// PreSubmitObserver runs inside the submit transaction before anything is
// written. Returning an error aborts the submit.
type PreSubmitObserver interface {
	Observer
	PreSubmit(ctx context.Context, doc *Document) error
}

// PreCancelObserver runs inside the cancel transaction before the reversal
// is written. Returning an error aborts the cancel.
type PreCancelObserver interface {
	Observer
	PreCancel(ctx context.Context, doc *Document) error
}

// PostSubmitObserver runs after a successful commit. Errors are logged and
// never unwind the transition.
type PostSubmitObserver interface {
	Observer
	PostSubmit(ctx context.Context, doc Document, result TransitionResult) error
}

// PostCancelObserver runs after a successful cancel commit.
type PostCancelObserver interface {
	Observer
	PostCancel(ctx context.Context, doc Document, result TransitionResult) error
}

// PostAmendObserver runs after an amendment draft is created.
type PostAmendObserver interface {
	Observer
	PostAmend(ctx context.Context, original Document, amendment Document) error
}

// ObserverRegistry holds lifecycle observers and dispatches per stage. Stage
// lists are cached at registration, so dispatch never type-switches. Emit
// methods are safe on a nil registry so wiring stays optional.
type ObserverRegistry struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger

	preSubmit  []PreSubmitObserver
	preCancel  []PreCancelObserver
	postSubmit []PostSubmitObserver
	postCancel []PostCancelObserver
	postAmend  []PostAmendObserver
}

func NewObserverRegistry(logger *slog.Logger) *ObserverRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverRegistry{logger: logger}
}

// Register adds an observer. Names must be unique.
func (r *ObserverRegistry) Register(o Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.observers {
		if existing.Name() == o.Name() {
			return fmt.Errorf("documents: duplicate observer %q", o.Name())
		}
	}
	r.observers = append(r.observers, o)

	if v, ok := o.(PreSubmitObserver); ok {
		r.preSubmit = append(r.preSubmit, v)
	}
	if v, ok := o.(PreCancelObserver); ok {
		r.preCancel = append(r.preCancel, v)
	}
	if v, ok := o.(PostSubmitObserver); ok {
		r.postSubmit = append(r.postSubmit, v)
	}
	if v, ok := o.(PostCancelObserver); ok {
		r.postCancel = append(r.postCancel, v)
	}
	if v, ok := o.(PostAmendObserver); ok {
		r.postAmend = append(r.postAmend, v)
	}
	return nil
}

func (r *ObserverRegistry) emitPreSubmit(ctx context.Context, doc *Document) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	observers := r.preSubmit
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.PreSubmit(ctx, doc); err != nil {
			return fmt.Errorf("documents: observer %s rejected submit: %w", o.Name(), err)
		}
	}
	return nil
}

func (r *ObserverRegistry) emitPreCancel(ctx context.Context, doc *Document) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	observers := r.preCancel
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.PreCancel(ctx, doc); err != nil {
			return fmt.Errorf("documents: observer %s rejected cancel: %w", o.Name(), err)
		}
	}
	return nil
}

func (r *ObserverRegistry) emitPostSubmit(ctx context.Context, doc Document, result TransitionResult) {
	if r == nil {
		return
	}
	r.mu.RLock()
	observers := r.postSubmit
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.PostSubmit(ctx, doc, result); err != nil {
			r.logger.Warn("post-submit observer failed",
				slog.String("observer", o.Name()),
				slog.String("document_id", doc.ID.String()),
				slog.Any("error", err))
		}
	}
}

func (r *ObserverRegistry) emitPostCancel(ctx context.Context, doc Document, result TransitionResult) {
	if r == nil {
		return
	}
	r.mu.RLock()
	observers := r.postCancel
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.PostCancel(ctx, doc, result); err != nil {
			r.logger.Warn("post-cancel observer failed",
				slog.String("observer", o.Name()),
				slog.String("document_id", doc.ID.String()),
				slog.Any("error", err))
		}
	}
}

func (r *ObserverRegistry) emitPostAmend(ctx context.Context, original, amendment Document) {
	if r == nil {
		return
	}
	r.mu.RLock()
	observers := r.postAmend
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.PostAmend(ctx, original, amendment); err != nil {
			r.logger.Warn("post-amend observer failed",
				slog.String("observer", o.Name()),
				slog.String("document_id", amendment.ID.String()),
				slog.Any("error", err))
		}
	}
}

// PostingWindowObserver rejects submissions whose posting time falls more
// than a configured number of days in the past.
type PostingWindowObserver struct {
	days int
	now  func() time.Time
}

func NewPostingWindowObserver(days int, now func() time.Time) *PostingWindowObserver {
	if now == nil {
		now = time.Now
	}
	return &PostingWindowObserver{days: days, now: now}
}

func (o *PostingWindowObserver) Name() string { return "posting-window" }

func (o *PostingWindowObserver) PreSubmit(_ context.Context, doc *Document) error {
	if o.days <= 0 {
		return nil
	}
	cutoff := o.now().AddDate(0, 0, -o.days)
	if doc.PostingTime.Before(cutoff) {
		return &ValidationError{
			DocumentID: doc.ID,
			Violations: []string{fmt.Sprintf("posting time %s is outside the %d-day posting window",
				doc.PostingTime.Format(time.RFC3339), o.days)},
		}
	}
	return nil
}

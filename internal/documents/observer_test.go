package documents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vantage-erp/vantage/internal/locks"
	"github.com/vantage-erp/vantage/internal/valuation"
)

type recordingObserver struct {
	name         string
	log          *[]string
	preSubmitErr error
	preCancelErr error
	postErr      error
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) record(stage string) {
	if o.log != nil {
		*o.log = append(*o.log, o.name+":"+stage)
	}
}

func (o *recordingObserver) PreSubmit(_ context.Context, _ *Document) error {
	o.record("pre-submit")
	return o.preSubmitErr
}

func (o *recordingObserver) PreCancel(_ context.Context, _ *Document) error {
	o.record("pre-cancel")
	return o.preCancelErr
}

func (o *recordingObserver) PostSubmit(_ context.Context, _ Document, _ TransitionResult) error {
	o.record("post-submit")
	return o.postErr
}

func (o *recordingObserver) PostCancel(_ context.Context, _ Document, _ TransitionResult) error {
	o.record("post-cancel")
	return o.postErr
}

func (o *recordingObserver) PostAmend(_ context.Context, _, _ Document) error {
	o.record("post-amend")
	return nil
}

type amendCapture struct {
	original  uuid.UUID
	amendment uuid.UUID
}

func (a *amendCapture) Name() string { return "amend-capture" }

func (a *amendCapture) PostAmend(_ context.Context, original, amendment Document) error {
	a.original = original.ID
	a.amendment = amendment.ID
	return nil
}

func newObservedFixture(t *testing.T, observers ...Observer) *fixture {
	t.Helper()
	registry := NewObserverRegistry(testLogger())
	for _, o := range observers {
		require.NoError(t, registry.Register(o))
	}
	store := newMemoryStore()
	loader := &staticLoader{snap: testSnapshot(valuation.MethodFIFO, false)}
	svc := NewService(store, loader, locks.NewKeyed(2*time.Second), registry, nil, testLogger()).
		WithNow(func() time.Time { return testTime })
	return &fixture{svc: svc, store: store, loader: loader}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	registry := NewObserverRegistry(testLogger())
	require.NoError(t, registry.Register(&recordingObserver{name: "hooks"}))
	err := registry.Register(&recordingObserver{name: "hooks"})
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate observer "hooks"`)
}

func TestObserversRunInRegistrationOrder(t *testing.T) {
	var log []string
	f := newObservedFixture(t,
		&recordingObserver{name: "a", log: &log},
		&recordingObserver{name: "b", log: &log},
	)

	created := mustDraft(t, f, receiptDoc("10", "5"))
	mustSubmit(t, f, created.ID, 1)
	mustCancel(t, f, created.ID, 2)

	require.Equal(t, []string{
		"a:pre-submit", "b:pre-submit",
		"a:post-submit", "b:post-submit",
		"a:pre-cancel", "b:pre-cancel",
		"a:post-cancel", "b:post-cancel",
	}, log)
}

func TestPreSubmitRejectionAbortsSubmit(t *testing.T) {
	var log []string
	f := newObservedFixture(t,
		&recordingObserver{name: "gate", log: &log, preSubmitErr: errors.New("period closed")},
	)

	created := mustDraft(t, f, receiptDoc("10", "5"))
	_, err := f.svc.Submit(context.Background(), created.ID, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), `observer gate rejected submit`)
	require.Contains(t, err.Error(), "period closed")

	got, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.Empty(t, f.store.batches)
	require.Empty(t, f.store.messages)
	require.Equal(t, []string{"gate:pre-submit"}, log)
}

func TestPreCancelRejectionAbortsCancel(t *testing.T) {
	f := newObservedFixture(t,
		&recordingObserver{name: "gate", preCancelErr: errors.New("locked period")},
	)

	created := mustDraft(t, f, receiptDoc("10", "5"))
	mustSubmit(t, f, created.ID, 1)

	_, err := f.svc.Cancel(context.Background(), created.ID, 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "observer gate rejected cancel")

	got, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)
	require.Len(t, f.store.batches, 1)
	bal := f.balance(t, testStockKey)
	requireDec(t, "10", bal.Qty)
}

func TestPostSubmitFailureDoesNotUnwindTransition(t *testing.T) {
	f := newObservedFixture(t,
		&recordingObserver{name: "flaky", postErr: errors.New("webhook down")},
	)

	created := mustDraft(t, f, receiptDoc("10", "5"))
	res := mustSubmit(t, f, created.ID, 1)
	require.False(t, res.NoOp)

	got, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)
	require.Len(t, f.store.batches, 1)
	require.Len(t, f.store.messages, 1)
}

func TestPostAmendObserverSeesBothDocuments(t *testing.T) {
	capture := &amendCapture{}
	f := newObservedFixture(t, capture)

	created := mustDraft(t, f, receiptDoc("10", "5"))
	mustSubmit(t, f, created.ID, 1)
	mustCancel(t, f, created.ID, 2)

	amended, err := f.svc.Amend(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, capture.original)
	require.Equal(t, amended.ID, capture.amendment)
}

func TestPostingWindowRejectsOldPostingTimes(t *testing.T) {
	f := newObservedFixture(t, NewPostingWindowObserver(7, func() time.Time { return testTime }))

	stale := receiptDoc("10", "5")
	stale.PostingTime = testTime.AddDate(0, 0, -8)
	created := mustDraft(t, f, stale)

	_, err := f.svc.Submit(context.Background(), created.ID, 1)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Contains(t, vErr.Violations[0], "posting window")

	fresh := receiptDoc("10", "5")
	fresh.PostingTime = testTime.AddDate(0, 0, -3)
	inWindow := mustDraft(t, f, fresh)
	mustSubmit(t, f, inWindow.ID, 1)
}

func TestPostingWindowDisabledByZeroDays(t *testing.T) {
	observer := NewPostingWindowObserver(0, func() time.Time { return testTime })
	doc := receiptDoc("10", "5")
	doc.PostingTime = testTime.AddDate(-1, 0, 0)
	require.NoError(t, observer.PreSubmit(context.Background(), &doc))
}

package statemachine_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/model"
	"payment-service/statemachine"
	"payment-service/store"
)

type fakeStore struct {
	mu     sync.Mutex
	txs    map[string]*model.Transaction
	audits []model.TransactionAudit
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: map[string]*model.Transaction{}}
}

func (f *fakeStore) add(tx *model.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.ID] = tx
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeStore) Transition(_ context.Context, id, event, newStatus string, ev store.Evidence) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, ok := f.txs[id]
	if !ok || tx.Status != model.StatusPending {
		return false, nil
	}

	old := tx.Status
	tx.Status = newStatus
	if newStatus == model.StatusPaid {
		now := time.Now()
		tx.PaidAt = &now
	}
	if ev.GatewayReference != "" {
		ref := ev.GatewayReference
		tx.GatewayReference = &ref
	}
	if (newStatus == model.StatusFailed || newStatus == model.StatusExpired) && ev.FailureReason != "" {
		reason := ev.FailureReason
		tx.FailureReason = &reason
	}

	f.audits = append(f.audits, model.TransactionAudit{
		TransactionID: id,
		Event:         event,
		OldStatus:     old,
		NewStatus:     newStatus,
		Source:        ev.Source,
		CreatedAt:     time.Now(),
	})
	return true, nil
}

func (f *fakeStore) RecordAudit(_ context.Context, id, event, oldStatus, newStatus, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, model.TransactionAudit{
		TransactionID: id,
		Event:         event,
		OldStatus:     oldStatus,
		NewStatus:     newStatus,
		Source:        source,
	})
	return nil
}

func (f *fakeStore) auditCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audits {
		if a.TransactionID == id {
			n++
		}
	}
	return n
}

// stateChangeCount counts audit entries where the status actually moved;
// replay and fraud-review entries have old_status == new_status.
func (f *fakeStore) stateChangeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audits {
		if a.TransactionID == id && a.OldStatus != a.NewStatus {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	paid   int
	failed int
}

func (f *fakePublisher) PublishPaymentPaidEvent(interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid++
}

func (f *fakePublisher) PublishPaymentFailedEvent(interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}

func pendingTx(id string) *model.Transaction {
	return &model.Transaction{
		ID:     id,
		Code:   "BOOK-20240115-" + id,
		Status: model.StatusPending,
		Kind:   model.KindBookPurchase,
		Items: []model.LineItem{
			{ItemType: "book", ItemID: 1, Title: "Laskar Digital", UnitPrice: 50000, Quantity: 1},
		},
		Amount:    50000,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
}

func newMachine(st *fakeStore, pub *fakePublisher) *statemachine.Machine {
	return statemachine.New(st, pub, nil, log.New(io.Discard, "", 0))
}

func TestApplyTransitionTable(t *testing.T) {
	cases := []struct {
		event string
		want  string
	}{
		{model.EventSettlement, model.StatusPaid},
		{model.EventCaptureAccept, model.StatusPaid},
		{model.EventCaptureChallenge, model.StatusPending},
		{model.EventDeny, model.StatusFailed},
		{model.EventGatewayCancel, model.StatusFailed},
		{model.EventFailure, model.StatusFailed},
		{model.EventExpire, model.StatusExpired},
		{model.EventSweeperTimeout, model.StatusExpired},
		{model.EventBuyerCancel, model.StatusCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			st := newFakeStore()
			st.add(pendingTx("tx-1"))
			m := newMachine(st, &fakePublisher{})

			status, err := m.Apply(context.Background(), "tx-1", tc.event, store.Evidence{Source: "webhook"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestApplyUnknownEvent(t *testing.T) {
	st := newFakeStore()
	st.add(pendingTx("tx-1"))
	m := newMachine(st, &fakePublisher{})

	_, err := m.Apply(context.Background(), "tx-1", "not_an_event", store.Evidence{})
	require.Error(t, err)
}

func TestApplyUnknownTransaction(t *testing.T) {
	m := newMachine(newFakeStore(), &fakePublisher{})

	_, err := m.Apply(context.Background(), "missing", model.EventSettlement, store.Evidence{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyIdempotentReplay(t *testing.T) {
	st := newFakeStore()
	st.add(pendingTx("tx-1"))
	pub := &fakePublisher{}
	m := newMachine(st, pub)

	status, err := m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, status)

	// Same webhook delivered again: same answer, no second state change,
	// no second collaborator event. The replay itself is still audited as
	// a no-op entry so the duplicate delivery can be proven later.
	status, err = m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, status)
	assert.Equal(t, 1, st.stateChangeCount("tx-1"))
	assert.Equal(t, 2, st.auditCount("tx-1"))
	assert.Equal(t, 1, pub.paid)

	tx, _ := st.GetByID(context.Background(), "tx-1")
	require.NotNil(t, tx.PaidAt)
}

func TestApplyMonotonicity(t *testing.T) {
	sequences := [][]string{
		{model.EventSettlement, model.EventDeny, model.EventExpire},
		{model.EventDeny, model.EventSettlement},
		{model.EventExpire, model.EventSettlement, model.EventBuyerCancel},
		{model.EventBuyerCancel, model.EventSettlement},
	}

	for _, seq := range sequences {
		st := newFakeStore()
		st.add(pendingTx("tx-1"))
		m := newMachine(st, &fakePublisher{})

		first, err := m.Apply(context.Background(), "tx-1", seq[0], store.Evidence{Source: "webhook"})
		require.NoError(t, err)

		for _, ev := range seq[1:] {
			status, err := m.Apply(context.Background(), "tx-1", ev, store.Evidence{Source: "webhook"})
			require.NoError(t, err)
			assert.Equal(t, first, status, "terminal status must not move (sequence %v)", seq)
		}
	}
}

func TestApplyCaptureChallengeThenSettlement(t *testing.T) {
	st := newFakeStore()
	st.add(pendingTx("tx-1"))
	pub := &fakePublisher{}
	m := newMachine(st, pub)

	status, err := m.Apply(context.Background(), "tx-1", model.EventCaptureChallenge, store.Evidence{Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)
	assert.Equal(t, 0, pub.paid)

	status, err = m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, status)
	assert.Equal(t, 1, pub.paid)
}

func TestApplyConcurrentEventsConverge(t *testing.T) {
	st := newFakeStore()
	st.add(pendingTx("tx-1"))
	pub := &fakePublisher{}
	m := newMachine(st, pub)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tx, err := st.GetByID(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, tx.Status)
	assert.Equal(t, 1, st.stateChangeCount("tx-1"))
	assert.Equal(t, 20, st.auditCount("tx-1"), "every call is audited, replays as no-op entries")
	assert.Equal(t, 1, pub.paid)
}

// blockingPublisher parks inside the publish call until released, to prove
// the per-id lock is not held across broker I/O.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) PublishPaymentPaidEvent(interface{}) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
}

func (p *blockingPublisher) PublishPaymentFailedEvent(interface{}) {}

func TestApplyDoesNotHoldLockDuringPublish(t *testing.T) {
	st := newFakeStore()
	st.add(pendingTx("tx-1"))
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	m := statemachine.New(st, pub, nil, log.New(io.Discard, "", 0))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
		assert.NoError(t, err)
	}()

	<-pub.entered

	// The first Apply is stuck in the broker publish. A replay for the
	// same transaction must still complete.
	done := make(chan struct{})
	go func() {
		defer close(done)
		status, err := m.Apply(context.Background(), "tx-1", model.EventSettlement, store.Evidence{Source: "webhook"})
		assert.NoError(t, err)
		assert.Equal(t, model.StatusPaid, status)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replayed Apply blocked behind an in-flight publish")
	}

	close(pub.release)
	<-firstDone
}

func TestMapNotification(t *testing.T) {
	cases := []struct {
		name        string
		status      string
		fraud       string
		paymentType string
		wantEvent   string
		wantOK      bool
	}{
		{"card capture accepted", "capture", "accept", "credit_card", model.EventCaptureAccept, true},
		{"card capture challenged", "capture", "challenge", "credit_card", model.EventCaptureChallenge, true},
		{"non-card capture ignores fraud", "capture", "challenge", "gopay", model.EventCaptureAccept, true},
		{"settlement", "settlement", "", "qris", model.EventSettlement, true},
		{"deny", "deny", "", "credit_card", model.EventDeny, true},
		{"cancel", "cancel", "", "bank_transfer", model.EventGatewayCancel, true},
		{"expire", "expire", "", "bank_transfer", model.EventExpire, true},
		{"failure", "failure", "", "credit_card", model.EventFailure, true},
		{"gateway pending ping", "pending", "", "bank_transfer", "", false},
		{"unknown status", "refund", "", "credit_card", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, ok := statemachine.MapNotification(tc.status, tc.fraud, tc.paymentType)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantEvent, event)
		})
	}
}

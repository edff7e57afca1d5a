package statemachine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"payment-service/model"
	"payment-service/store"
)

// ErrConflict surfaces when the atomic transition keeps losing the race
// even after a re-read. With the per-id lock this should only be seen
// under cross-replica contention.
var ErrConflict = errors.New("concurrent transition conflict")

// Store is the slice of the transaction store the state machine needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	Transition(ctx context.Context, id, event, newStatus string, ev store.Evidence) (bool, error)
	RecordAudit(ctx context.Context, id, event, oldStatus, newStatus, source string) error
}

// Publisher notifies collaborators (content unlocking, cleanup) about
// terminal transitions.
type Publisher interface {
	PublishPaymentPaidEvent(event interface{})
	PublishPaymentFailedEvent(event interface{})
}

// Cache invalidates cached status reads after an applied transition.
type Cache interface {
	DelStatus(ctx context.Context, id string)
}

// transitions maps an event to the status it drives a pending transaction
// into. Events on terminal transactions never consult this table.
var transitions = map[string]string{
	model.EventSettlement:       model.StatusPaid,
	model.EventCaptureAccept:    model.StatusPaid,
	model.EventCaptureChallenge: model.StatusPending,
	model.EventDeny:             model.StatusFailed,
	model.EventGatewayCancel:    model.StatusFailed,
	model.EventFailure:          model.StatusFailed,
	model.EventExpire:           model.StatusExpired,
	model.EventSweeperTimeout:   model.StatusExpired,
	model.EventBuyerCancel:      model.StatusCancelled,
}

// Machine is the only component allowed to change a transaction's status.
// Webhooks, the status poller, the sweeper and buyer cancellation all end
// up in Apply.
type Machine struct {
	store     Store
	publisher Publisher
	cache     Cache
	logger    *log.Logger

	locks [64]sync.Mutex
}

func New(st Store, pub Publisher, cache Cache, logger *log.Logger) *Machine {
	return &Machine{store: st, publisher: pub, cache: cache, logger: logger}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

// Apply runs one event against one transaction and returns the resulting
// status. Safe to call concurrently and safe to replay: an event landing on
// a terminal transaction is acknowledged as a no-op, never an error. Every
// call is audited, replays included, so disputed deliveries can be proven
// later. The per-id lock covers only the read-modify-write; gateway
// evidence arrives pre-collected, and the kafka/cache side effects run
// after the lock is released.
func (m *Machine) Apply(ctx context.Context, id, event string, ev store.Evidence) (string, error) {
	target, known := transitions[event]
	if !known {
		return "", fmt.Errorf("unknown event %q", event)
	}

	mu := m.lockFor(id)
	mu.Lock()
	status, prev, changed, err := m.applyLocked(ctx, id, event, target, ev)
	mu.Unlock()
	if err != nil {
		return status, err
	}

	if changed {
		if m.cache != nil {
			m.cache.DelStatus(ctx, id)
		}
		m.publish(id, event, target, prev)
		m.logger.Printf("[INFO] transaction %s: %s -> %s (%s, source=%s)", id, prev.Status, target, event, ev.Source)
	}
	return status, nil
}

// applyLocked is the read-modify-write under the per-id lock. Returns the
// resulting status, the pre-transition row and whether the row moved.
func (m *Machine) applyLocked(ctx context.Context, id, event, target string, ev store.Evidence) (string, *model.Transaction, bool, error) {
	tx, err := m.store.GetByID(ctx, id)
	if err != nil {
		return "", nil, false, err
	}

	if model.IsTerminal(tx.Status) {
		// Replayed delivery: acknowledged as a no-op, but still audited.
		if err := m.store.RecordAudit(ctx, id, event, tx.Status, tx.Status, ev.Source); err != nil {
			return "", nil, false, err
		}
		m.logger.Printf("[WARN] event %s replayed on %s transaction %s, ignoring", event, tx.Status, id)
		return tx.Status, tx, false, nil
	}

	// Capture under fraud review keeps the transaction pending; record the
	// review in the audit trail but do not touch the row.
	if target == model.StatusPending {
		if err := m.store.RecordAudit(ctx, id, event, tx.Status, tx.Status, ev.Source); err != nil {
			return "", nil, false, err
		}
		m.logger.Printf("[INFO] transaction %s capture held for fraud review", id)
		return tx.Status, tx, false, nil
	}

	changed, err := m.store.Transition(ctx, id, event, target, ev)
	if err != nil {
		return "", nil, false, err
	}
	if !changed {
		// Lost the CAS to a concurrent writer. Re-read: a terminal result
		// is the benign replay case, anything else is genuine contention.
		tx, err = m.store.GetByID(ctx, id)
		if err != nil {
			return "", nil, false, err
		}
		if model.IsTerminal(tx.Status) {
			if err := m.store.RecordAudit(ctx, id, event, tx.Status, tx.Status, ev.Source); err != nil {
				return "", nil, false, err
			}
			m.logger.Printf("[WARN] event %s lost race on transaction %s, now %s", event, id, tx.Status)
			return tx.Status, tx, false, nil
		}
		return tx.Status, tx, false, ErrConflict
	}

	return target, tx, true, nil
}

func (m *Machine) publish(id, event, newStatus string, tx *model.Transaction) {
	if m.publisher == nil {
		return
	}

	data := map[string]interface{}{
		"transaction_id": id,
		"code":           tx.Code,
		"buyer_id":       tx.BuyerID,
		"kind":           tx.Kind,
		"amount":         tx.Amount,
		"items":          tx.Items,
		"event":          event,
		"status":         newStatus,
	}

	switch newStatus {
	case model.StatusPaid:
		m.publisher.PublishPaymentPaidEvent(map[string]interface{}{
			"event_type": "payment.paid",
			"data":       data,
		})
	case model.StatusFailed, model.StatusExpired, model.StatusCancelled:
		m.publisher.PublishPaymentFailedEvent(map[string]interface{}{
			"event_type": "payment.failed",
			"data":       data,
		})
	}
}

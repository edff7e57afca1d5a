package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"payment-service/gateway"
	"payment-service/model"
	"payment-service/statemachine"
	"payment-service/store"
)

type Store interface {
	ListExpiredPending(ctx context.Context, now time.Time) ([]model.Transaction, error)
}

type Gateway interface {
	QueryStatus(ctx context.Context, orderID string) (*gateway.Notification, error)
}

type Machine interface {
	Apply(ctx context.Context, id, event string, ev store.Evidence) (string, error)
}

// Sweeper is the reconciliation backstop for webhooks that never arrived:
// it expires stale pending transactions, but only after asking the gateway
// whether a settlement slipped past unnoticed. A late settlement always
// wins over the timeout.
type Sweeper struct {
	store    Store
	gateway  Gateway
	machine  Machine
	logger   *log.Logger
	interval time.Duration
}

func New(st Store, gw Gateway, machine Machine, logger *log.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: st, gateway: gw, machine: machine, logger: logger, interval: interval}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("[INFO] expiry sweeper running every %s", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("[INFO] expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes every pending transaction whose deadline has passed.
func (s *Sweeper) Sweep(ctx context.Context) {
	overdue, err := s.store.ListExpiredPending(ctx, time.Now())
	if err != nil {
		s.logger.Printf("[ERROR] sweeper list failed: %v", err)
		return
	}

	for i := range overdue {
		s.reconcile(ctx, &overdue[i])
	}
}

func (s *Sweeper) reconcile(ctx context.Context, tx *model.Transaction) {
	event := model.EventSweeperTimeout
	evidence := store.Evidence{
		FailureReason: statemachine.FailureReason(model.EventSweeperTimeout),
		Source:        "sweeper",
	}

	// The gateway query happens before Apply takes any lock; its answer is
	// the evidence the locked transition runs on.
	if tx.GatewayOrderID != nil {
		n, err := s.gateway.QueryStatus(ctx, *tx.GatewayOrderID)
		switch {
		case err == nil:
			if mapped, ok := statemachine.MapNotification(n.TransactionStatus, n.FraudStatus, n.PaymentType); ok {
				if mapped == model.EventCaptureChallenge {
					// Still under fraud review on the gateway side; not ours
					// to expire.
					s.logger.Printf("[INFO] sweeper leaving %s alone, capture under review", tx.ID)
					return
				}
				event = mapped
				evidence.GatewayReference = n.TransactionID
				evidence.FailureReason = statemachine.FailureReason(mapped)
			}
		case errors.Is(err, gateway.ErrOrderNotFound):
			// Gateway never saw the order: nothing to settle, expire it.
		default:
			// No answer is not proof of non-payment. Leave it for the next
			// tick rather than expiring a possibly-settled transaction.
			s.logger.Printf("[WARN] sweeper gateway query failed for %s: %v", tx.ID, err)
			return
		}
	}

	status, err := s.machine.Apply(ctx, tx.ID, event, evidence)
	if err != nil {
		s.logger.Printf("[ERROR] sweeper transition failed for %s: %v", tx.ID, err)
		return
	}
	s.logger.Printf("[INFO] sweeper reconciled transaction %s to %s", tx.ID, status)
}

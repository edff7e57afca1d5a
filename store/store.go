package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payment-service/model"
)

var ErrNotFound = errors.New("transaction not found")

// Evidence carries gateway-provided facts into a transition. Collected
// before the transition runs, never fetched while holding locks.
type Evidence struct {
	GatewayReference string
	FailureReason    string
	Source           string // webhook | poller | sweeper | buyer
}

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

const txColumns = `id, code, gateway_order_id, buyer_id, kind, status, amount,
	items_snapshot, gateway_reference, failure_reason, created_at, expires_at, paid_at`

// Create inserts a new pending transaction. ID and code are generated here
// when the caller left them empty; amount is always recomputed from the
// items so it can never disagree with the snapshot.
func (s *Store) Create(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Code == "" {
		tx.Code = NewCode(tx.Kind)
	}
	tx.Status = model.StatusPending
	tx.Amount = model.TotalAmount(tx.Items)

	snapshot, err := json.Marshal(tx.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	tx.ItemsSnapshot = snapshot

	query := `
		INSERT INTO transactions
		(id, code, buyer_id, kind, status, amount, items_snapshot, created_at, expires_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$6::jsonb,NOW(),$7)
		RETURNING created_at
	`

	return s.DB.QueryRowContext(
		ctx,
		query,
		tx.ID,
		tx.Code,
		tx.BuyerID,
		tx.Kind,
		tx.Amount,
		string(snapshot),
		tx.ExpiresAt,
	).Scan(&tx.CreatedAt)
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id=$1`
	return s.scanOne(s.DB.QueryRowContext(ctx, query, id))
}

// GetByOrderID resolves a gateway notification's order_id. The gateway
// echoes back whichever identifier was sent, so the transaction code is a
// fallback match.
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*model.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE gateway_order_id=$1 OR code=$1`
	return s.scanOne(s.DB.QueryRowContext(ctx, query, orderID))
}

func (s *Store) ListByBuyer(ctx context.Context, buyerID uint) ([]model.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE buyer_id=$1
		ORDER BY created_at DESC`

	rows, err := s.DB.QueryContext(ctx, query, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Transaction
	for rows.Next() {
		tx, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *tx)
	}
	return list, rows.Err()
}

// ListExpiredPending returns pending transactions whose payment deadline
// has passed. Input to the expiry sweeper.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]model.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE status='pending' AND expires_at < $1
		ORDER BY expires_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Transaction
	for rows.Next() {
		tx, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *tx)
	}
	return list, rows.Err()
}

// AssignGatewayOrder sets gateway_order_id exactly once. Reports false when
// another call got there first; callers re-read and reuse the stored value.
func (s *Store) AssignGatewayOrder(ctx context.Context, id, orderID string) (bool, error) {
	res, err := s.DB.ExecContext(
		ctx,
		`UPDATE transactions SET gateway_order_id=$2 WHERE id=$1 AND gateway_order_id IS NULL`,
		id, orderID,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Transition is the atomic compare-and-set primitive: flip the status away
// from pending and write the matching audit entry in one database
// transaction. Reports false without error when the row was no longer
// pending — the caller re-reads to distinguish replay from conflict.
func (s *Store) Transition(ctx context.Context, id, event, newStatus string, ev Evidence) (bool, error) {
	dbTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer dbTx.Rollback()

	update := `
		UPDATE transactions
		SET status=$2,
		    paid_at = CASE WHEN $2='paid' THEN NOW() ELSE paid_at END,
		    gateway_reference = COALESCE(NULLIF($3,''), gateway_reference),
		    failure_reason = CASE WHEN $2 IN ('failed','expired') THEN NULLIF($4,'') ELSE failure_reason END
		WHERE id=$1 AND status='pending'
	`

	res, err := dbTx.ExecContext(ctx, update, id, newStatus, ev.GatewayReference, ev.FailureReason)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	insert := `
		INSERT INTO transaction_audits
		(transaction_id, event, old_status, new_status, source, created_at)
		VALUES ($1,$2,'pending',$3,$4,NOW())
	`
	if _, err := dbTx.ExecContext(ctx, insert, id, event, newStatus, ev.Source); err != nil {
		return false, err
	}

	return true, dbTx.Commit()
}

// RecordAudit writes an audit entry outside the CAS path, used for events
// that leave the status alone (capture challenge).
func (s *Store) RecordAudit(ctx context.Context, id, event, oldStatus, newStatus, source string) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT INTO transaction_audits
		(transaction_id, event, old_status, new_status, source, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())`,
		id, event, oldStatus, newStatus, source,
	)
	return err
}

func (s *Store) AuditTrail(ctx context.Context, id string) ([]model.TransactionAudit, error) {
	query := `
		SELECT id, transaction_id, event, old_status, new_status, source, created_at
		FROM transaction_audits
		WHERE transaction_id=$1
		ORDER BY id ASC
	`

	rows, err := s.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.TransactionAudit
	for rows.Next() {
		var a model.TransactionAudit
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Event, &a.OldStatus,
			&a.NewStatus, &a.Source, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(row *sql.Row) (*model.Transaction, error) {
	tx, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func scanRow(row rowScanner) (*model.Transaction, error) {
	var (
		tx         model.Transaction
		orderID    sql.NullString
		gatewayRef sql.NullString
		reason     sql.NullString
		snapshot   []byte
		paidAt     sql.NullTime
	)

	err := row.Scan(
		&tx.ID,
		&tx.Code,
		&orderID,
		&tx.BuyerID,
		&tx.Kind,
		&tx.Status,
		&tx.Amount,
		&snapshot,
		&gatewayRef,
		&reason,
		&tx.CreatedAt,
		&tx.ExpiresAt,
		&paidAt,
	)
	if err != nil {
		return nil, err
	}

	if orderID.Valid {
		tx.GatewayOrderID = &orderID.String
	}
	if gatewayRef.Valid {
		tx.GatewayReference = &gatewayRef.String
	}
	if reason.Valid {
		tx.FailureReason = &reason.String
	}
	if paidAt.Valid {
		tx.PaidAt = &paidAt.Time
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &tx.Items); err != nil {
			return nil, fmt.Errorf("decode items snapshot for %s: %w", tx.ID, err)
		}
	}

	return &tx, nil
}

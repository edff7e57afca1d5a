package model

import (
	"encoding/json"
	"time"
)

const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

const (
	KindBookPurchase    = "book_purchase"
	KindChapterPurchase = "chapter_purchase"
)

// Events feeding the state machine. Gateway events come out of the
// notification mapping, the other two are local triggers.
const (
	EventSettlement       = "gateway_settlement"
	EventCaptureAccept    = "gateway_capture_accept"
	EventCaptureChallenge = "gateway_capture_challenge"
	EventDeny             = "gateway_deny"
	EventGatewayCancel    = "gateway_cancel"
	EventFailure          = "gateway_failure"
	EventExpire           = "gateway_expire"
	EventSweeperTimeout   = "sweeper_timeout"
	EventBuyerCancel      = "buyer_cancel"
)

// IsTerminal reports whether a status can never change again.
func IsTerminal(status string) bool {
	return status != StatusPending && status != ""
}

type Transaction struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Code           string          `gorm:"uniqueIndex;size:40;not null" json:"code"`
	GatewayOrderID *string         `gorm:"column:gateway_order_id;uniqueIndex" json:"gateway_order_id,omitempty"`
	BuyerID        uint            `gorm:"index" json:"buyer_id"`
	Kind           string          `gorm:"size:20" json:"kind"` // book_purchase | chapter_purchase
	Status         string          `gorm:"size:16;default:pending;index" json:"status"`
	Amount         int64           `json:"amount"` // minor currency unit
	ItemsSnapshot  json.RawMessage `gorm:"column:items_snapshot;type:jsonb" json:"-"`
	Items          []LineItem      `gorm:"-" json:"items"`

	GatewayReference *string    `gorm:"column:gateway_reference" json:"gateway_reference,omitempty"`
	FailureReason    *string    `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

// LineItem is snapshotted into items_snapshot at creation time and never
// touched again once the transaction leaves pending.
type LineItem struct {
	ItemType  string `json:"item_type"` // book | chapter
	ItemID    uint   `json:"item_id"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

func (li LineItem) Subtotal() int64 {
	return li.UnitPrice * int64(li.Quantity)
}

// TotalAmount sums unit_price * quantity across items. Equals
// Transaction.Amount for the whole lifetime of the record.
func TotalAmount(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}

// TransactionAudit records every call into the state machine, including
// no-op replays, so disputed payments can be reconstructed.
type TransactionAudit struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID string    `gorm:"size:36;index;not null" json:"transaction_id"`
	Event         string    `gorm:"size:32;not null" json:"event"`
	OldStatus     string    `gorm:"size:16" json:"old_status"`
	NewStatus     string    `gorm:"size:16" json:"new_status"`
	Source        string    `gorm:"size:16" json:"source"` // webhook | poller | sweeper | buyer
	CreatedAt     time.Time `json:"created_at"`
}

package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-service/model"
)

// NewCode builds the human-readable transaction code shown on invoices,
// e.g. BOOK-20240115-3F9A21D4.
func NewCode(kind string) string {
	prefix := "BOOK"
	if kind == model.KindChapterPurchase {
		prefix = "CHAP"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().Format("20060102"), suffix)
}

package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-gate/internal/ledger"
)

// CreateAuditEvents creates the ledger table and its uniqueness rules
func CreateAuditEvents(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.AuditEvent{}); err != nil {
		return err
	}

	indexes := []string{
		// one placement per deterministic order id
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_placed
		 ON audit_events(correlation_id) WHERE event_kind = 'order_placed'`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_identity
		 ON audit_events(correlation_id, event_kind, timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind_timestamp
		 ON audit_events(event_kind, timestamp)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

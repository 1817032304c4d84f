package migrations

import (
	"gorm.io/gorm"
)

var sqliteGuards = []string{
	`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
	 BEFORE UPDATE ON audit_events
	 BEGIN SELECT RAISE(ABORT, 'audit ledger is append-only'); END`,

	`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
	 BEFORE DELETE ON audit_events
	 BEGIN SELECT RAISE(ABORT, 'audit ledger is append-only'); END`,
}

var postgresGuards = []string{
	`CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
	 BEGIN RAISE EXCEPTION 'audit ledger is append-only'; END;
	 $$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events`,

	`CREATE TRIGGER audit_events_no_mutation
	 BEFORE UPDATE OR DELETE ON audit_events
	 FOR EACH ROW EXECUTE FUNCTION audit_events_append_only()`,
}

// AddAppendOnlyGuards makes the database itself refuse edits to the ledger
func AddAppendOnlyGuards(db *gorm.DB) error {
	guards := sqliteGuards
	if db.Dialector.Name() == "postgres" {
		guards = postgresGuards
	}

	for _, stmt := range guards {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

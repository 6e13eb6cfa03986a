//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestSQLiteErrorClassification(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	locked := fmt.Errorf("insert turn: %w", errors.New("database is locked"))
	unique := errors.New("constraint failed: UNIQUE constraint failed: schemas.user_id, schemas.name (2067)")

	if !IsSQLiteConflictError(busy) || !IsSQLiteBusyError(busy) {
		t.Error("expected SQLITE_BUSY to be a conflict error")
	}
	if !IsSQLiteConflictError(locked) || IsSQLiteBusyError(locked) {
		t.Error("expected locked database to be a conflict but not busy error")
	}
	if IsSQLiteConflictError(unique) {
		t.Error("unique violation must not be retried")
	}
	if !IsSQLiteUniqueError(unique) {
		t.Error("expected unique violation to be detected")
	}
	if IsSQLiteConflictError(nil) || IsSQLiteUniqueError(nil) {
		t.Error("nil error must not classify")
	}
}

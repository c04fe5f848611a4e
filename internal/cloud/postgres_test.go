package cloud

import (
	"strings"
	"testing"
)

func TestPgSchema(t *testing.T) {
	ddl := pgSchema(384)

	if !strings.Contains(ddl, "embedding VECTOR(384)") {
		t.Error("expected the embedding column to carry the configured width")
	}
	if strings.Contains(ddl, "__DIMS__") {
		t.Error("expected the width placeholder to be replaced")
	}
	if !strings.Contains(ddl, `RAISE EXCEPTION '% on % is not allowed', TG_OP, TG_TABLE_NAME;`) {
		t.Error("expected the append-only trigger message to keep its plpgsql placeholders")
	}
	if strings.Contains(ddl, "%!") {
		t.Error("expected no formatting artifacts in the schema")
	}
	for _, trigger := range []string{"memories_no_delete", "deletion_ledger_no_change"} {
		if !strings.Contains(ddl, "CREATE TRIGGER "+trigger) {
			t.Errorf("expected trigger %s", trigger)
		}
	}
}

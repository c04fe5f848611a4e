package contenthash

import (
	"errors"
	"testing"

	"github.com/rcliao/memory-cloud/internal/model"
)

func TestHash_Deterministic(t *testing.T) {
	a, err := Hash("Let's go with PostgreSQL")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, _ := Hash("Let's go with PostgreSQL")
	if a != b {
		t.Errorf("expected identical hashes, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHash_Normalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"case", "Use PostgreSQL", "use postgresql"},
		{"whitespace runs", "use   postgres\n\tfor  storage", "use postgres for storage"},
		{"surrounding whitespace", "  deploy on fridays \n", "deploy on fridays"},
		{"unicode composition", "caf\u00e9 config", "cafe\u0301 config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := Hash(tt.a)
			if err != nil {
				t.Fatalf("Hash(%q): %v", tt.a, err)
			}
			hb, err := Hash(tt.b)
			if err != nil {
				t.Fatalf("Hash(%q): %v", tt.b, err)
			}
			if ha != hb {
				t.Errorf("expected %q and %q to share a hash", tt.a, tt.b)
			}
			if !Equivalent(tt.a, tt.b) {
				t.Errorf("expected Equivalent(%q, %q)", tt.a, tt.b)
			}
		})
	}
}

func TestHash_DifferentContent(t *testing.T) {
	a, _ := Hash("use postgres")
	b, _ := Hash("use mysql")
	if a == b {
		t.Error("expected different hashes for different content")
	}
}

func TestHash_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := Hash(in); !errors.Is(err, model.ErrValidation) {
			t.Errorf("Hash(%q): expected validation error, got %v", in, err)
		}
	}
}

func TestVerify(t *testing.T) {
	h, _ := Hash("Remember the staging password rotates monthly")
	if err := Verify(h, "remember the staging password  rotates monthly"); err != nil {
		t.Errorf("expected verify ok, got %v", err)
	}
	if err := Verify(h, "something else"); !errors.Is(err, model.ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}

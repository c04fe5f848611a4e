package gate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcliao/memory-cloud/internal/model"
)

func TestEvaluate_DefaultRules(t *testing.T) {
	g := NewDefault()

	tests := []struct {
		name     string
		text     string
		admit    bool
		memType  model.MemoryType
		minScore int
		maxScore int
	}{
		{"decision with tech", "Let's go with PostgreSQL for the database", true, model.TypeDecision, 75, 75},
		{"explicit remember", "Remember that the staging deploy needs VPN", true, "", 80, 100},
		{"hypothetical", "We could maybe try Redis", false, "", 0, 0},
		{"vague question", "what about that stuff?", false, "", 0, 0},
		{"plain chatter", "ok sounds good", false, "", 0, 0},
		{"gotcha with file", "Gotcha: config/app.yaml is ignored when ENV is set", false, model.TypeGotcha, 65, 65},
		{"learned tech", "Turns out kafka drops messages when the retention is 0", true, model.TypeLearning, 70, 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate(model.CandidateObservation{Text: tt.text})
			if d.Admit != tt.admit {
				t.Errorf("expected admit=%v, got %v (score %d, matched %v)", tt.admit, d.Admit, d.Score, d.Matched)
			}
			if d.Score < tt.minScore || d.Score > tt.maxScore {
				t.Errorf("expected score in [%d, %d], got %d (matched %v)", tt.minScore, tt.maxScore, d.Score, d.Matched)
			}
			if d.MemoryType != tt.memType {
				t.Errorf("expected type %q, got %q", tt.memType, d.MemoryType)
			}
		})
	}
}

func TestEvaluate_ScoreClamped(t *testing.T) {
	g := NewDefault()
	d := g.Evaluate(model.CandidateObservation{Text: "Remember: we decided to always use PostgreSQL for client billing at $40/hr"})
	if d.Score != 100 {
		t.Errorf("expected score clamped to 100, got %d", d.Score)
	}
	if !d.Admit {
		t.Error("expected admission")
	}
}

func TestEvaluate_RuleCountsOnce(t *testing.T) {
	g, err := New(RuleTable{Threshold: 70, Rules: []Rule{
		{Name: "tech", Pattern: `\bredis\b`, Weight: 30},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := g.Evaluate(model.CandidateObservation{Text: "redis redis redis"})
	if d.Score != 30 {
		t.Errorf("expected 30, got %d", d.Score)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	g := NewDefault()
	c := model.CandidateObservation{Text: "We'll use Terraform for infra in deploy/main.tf"}
	first := g.Evaluate(c)
	for i := 0; i < 10; i++ {
		if got := g.Evaluate(c); got.Score != first.Score || got.Admit != first.Admit {
			t.Fatalf("expected stable decision, got %+v then %+v", first, got)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		table RuleTable
	}{
		{"bad threshold", RuleTable{Threshold: 120}},
		{"bad regex", RuleTable{Threshold: 70, Rules: []Rule{{Name: "x", Pattern: "(", Weight: 1}}}},
		{"bad type", RuleTable{Threshold: 70, Rules: []Rule{{Name: "x", Pattern: "a", Weight: 1, Type: "bogus"}}}},
		{"duplicate", RuleTable{Threshold: 70, Rules: []Rule{{Name: "x", Pattern: "a"}, {Name: "x", Pattern: "b"}}}},
		{"unnamed", RuleTable{Threshold: 70, Rules: []Rule{{Pattern: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.table); !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadRuleTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := []byte(`threshold: 50
rules:
  - name: deploy
    pattern: '\bdeploy\b'
    weight: 60
    type: reference
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadRuleTable(path)
	if err != nil {
		t.Fatalf("LoadRuleTable: %v", err)
	}
	g, err := New(table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Threshold() != 50 {
		t.Errorf("expected threshold 50, got %d", g.Threshold())
	}
	d := g.Evaluate(model.CandidateObservation{Text: "Deploy after lunch"})
	if !d.Admit || d.MemoryType != model.TypeReference {
		t.Errorf("unexpected decision %+v", d)
	}
}

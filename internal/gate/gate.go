// Package gate scores candidate observations and decides whether they are
// worth keeping.
package gate

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/memory-cloud/internal/model"
)

// DefaultThreshold is the minimum score for automatic admission.
const DefaultThreshold = 70

//go:embed rules.yaml
var defaultRules []byte

// Rule is one weighted pattern. Type, when set, is the memory type hinted
// by a match.
type Rule struct {
	Name    string           `yaml:"name"`
	Pattern string           `yaml:"pattern"`
	Weight  int              `yaml:"weight"`
	Type    model.MemoryType `yaml:"type,omitempty"`
}

// RuleTable is the configurable scoring table.
type RuleTable struct {
	Threshold int    `yaml:"threshold"`
	Rules     []Rule `yaml:"rules"`
}

// Decision is the outcome of evaluating one candidate.
type Decision struct {
	Admit      bool             `json:"admit"`
	Score      int              `json:"score"`
	Threshold  int              `json:"threshold"`
	Matched    []string         `json:"matched"`
	MemoryType model.MemoryType `json:"memory_type,omitempty"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Gate evaluates candidates against a compiled rule table. It is safe for
// concurrent use.
type Gate struct {
	threshold int
	rules     []compiledRule
}

// DefaultRuleTable returns the built-in rule table.
func DefaultRuleTable() RuleTable {
	t, err := ParseRuleTable(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("gate: built-in rules: %v", err))
	}
	return t
}

// ParseRuleTable decodes a YAML rule table.
func ParseRuleTable(data []byte) (RuleTable, error) {
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return RuleTable{}, fmt.Errorf("parse rule table: %w", err)
	}
	if t.Threshold == 0 {
		t.Threshold = DefaultThreshold
	}
	return t, nil
}

// LoadRuleTable reads a YAML rule table from path.
func LoadRuleTable(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("read rule table: %w", err)
	}
	return ParseRuleTable(data)
}

// New compiles a rule table. Patterns are matched case-insensitively.
func New(t RuleTable) (*Gate, error) {
	if t.Threshold < 0 || t.Threshold > 100 {
		return nil, model.Invalid("threshold", "must be between 0 and 100, got %d", t.Threshold)
	}
	g := &Gate{threshold: t.Threshold}
	seen := make(map[string]bool, len(t.Rules))
	for _, r := range t.Rules {
		if r.Name == "" {
			return nil, model.Invalid("rules", "rule name is required")
		}
		if seen[r.Name] {
			return nil, model.Invalid("rules", "duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if r.Type != "" && !model.ValidTypes[r.Type] {
			return nil, model.Invalid("rules", "rule %q has unknown type %q", r.Name, r.Type)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, model.Invalid("rules", "rule %q: %v", r.Name, err)
		}
		g.rules = append(g.rules, compiledRule{Rule: r, re: re})
	}
	return g, nil
}

// NewDefault returns a gate over the built-in rule table.
func NewDefault() *Gate {
	g, err := New(DefaultRuleTable())
	if err != nil {
		panic(fmt.Sprintf("gate: built-in rules: %v", err))
	}
	return g
}

// Threshold returns the admission threshold.
func (g *Gate) Threshold() int { return g.threshold }

// Evaluate scores a candidate. It has no side effects.
func (g *Gate) Evaluate(c model.CandidateObservation) Decision {
	d := Decision{Threshold: g.threshold, Matched: []string{}}
	bestWeight := 0
	for _, r := range g.rules {
		if !r.re.MatchString(c.Text) {
			continue
		}
		d.Score += r.Weight
		d.Matched = append(d.Matched, r.Name)
		if r.Type != "" && r.Weight > bestWeight {
			bestWeight = r.Weight
			d.MemoryType = r.Type
		}
	}
	if d.Score < 0 {
		d.Score = 0
	}
	if d.Score > 100 {
		d.Score = 100
	}
	d.Admit = d.Score >= g.threshold
	return d
}

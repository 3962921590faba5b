// Package rules holds the rule table, its predicates, and the copy-on-write
// rule configuration read by every evaluation.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	// ErrRuleNotFound is returned when a rule id is not in the set.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRule is returned for configuration values a rule cannot use.
	ErrInvalidRule = errors.New("invalid rule configuration")
	// ErrRuleExists is returned when adding a rule whose id is taken.
	ErrRuleExists = errors.New("rule already exists")
)

// Input is everything a predicate may read for one evaluation.
type Input struct {
	Tx domain.Transaction
	// At is the effective timestamp of Tx.
	At time.Time
	// Previous is the account's prior transaction, nil on first sighting.
	Previous   *domain.Transaction
	PreviousAt time.Time
	// Window is the account's retained samples, including the current one.
	Window []domain.WindowSample
}

// Predicate decides whether a rule triggers and explains why.
type Predicate func(in *Input, cfg *domain.RuleConfig) (bool, string)

// SeverityFunc grades a triggered rule.
type SeverityFunc func(in *Input, cfg *domain.RuleConfig) domain.Severity

// Kind distinguishes table rules from CEL expression rules.
type Kind int

const (
	KindBuiltin Kind = iota
	KindExpression
)

func (k Kind) String() string {
	if k == KindExpression {
		return "expression"
	}
	return "builtin"
}

// Rule is a configured, ready-to-run rule. Rules are immutable once placed in
// a Snapshot.
type Rule struct {
	Config   domain.RuleConfig
	Kind     Kind
	check    Predicate
	severity SeverityFunc
}

// Evaluate runs the rule against in. Disabled rules never trigger.
func (r *Rule) Evaluate(in *Input) (domain.AnomalyRecord, bool) {
	if !r.Config.Enabled {
		return domain.AnomalyRecord{}, false
	}
	triggered, reason := r.check(in, &r.Config)
	if !triggered {
		return domain.AnomalyRecord{}, false
	}
	return domain.AnomalyRecord{
		Rule:        r.Config.ID,
		Description: r.Config.Description,
		Reason:      reason,
		Severity:    r.severity(in, &r.Config),
	}, true
}

// Snapshot is an immutable, ordered view of the rule configuration.
type Snapshot struct {
	rules     []*Rule
	retention time.Duration
}

// Rules returns the snapshot's rules in evaluation order.
func (s *Snapshot) Rules() []*Rule {
	return s.rules
}

// Retention is how long account window samples must be kept so that every
// windowed rule in the snapshot sees its full horizon.
func (s *Snapshot) Retention() time.Duration {
	return s.retention
}

// Evaluate runs every enabled rule in order and returns the triggered records.
func (s *Snapshot) Evaluate(in *Input) []domain.AnomalyRecord {
	var records []domain.AnomalyRecord
	for _, r := range s.rules {
		if rec, ok := r.Evaluate(in); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Set owns the live rule configuration. Readers load the current Snapshot
// without locking; writers build a new Snapshot and swap it in.
type Set struct {
	mu       sync.Mutex // serialises writers
	compiler *Compiler
	current  atomic.Pointer[Snapshot]
}

// NewSet creates a set holding the built-in rules with their defaults, then
// applies overrides in order. Overrides for built-in ids replace that rule's
// configuration; other ids must carry an expression and are appended.
func NewSet(overrides ...domain.RuleConfig) (*Set, error) {
	compiler, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	s := &Set{compiler: compiler}

	rules := make([]*Rule, 0, len(builtins)+len(overrides))
	for _, d := range builtins {
		rules = append(rules, &Rule{Config: d.Config(), Kind: KindBuiltin, check: d.Check, severity: d.Severity})
	}

	for _, cfg := range overrides {
		r, err := s.build(cfg)
		if err != nil {
			return nil, err
		}
		if idx := indexOf(rules, cfg.ID); idx >= 0 {
			rules[idx] = r
		} else {
			rules = append(rules, r)
		}
	}

	s.current.Store(newSnapshot(rules))
	return s, nil
}

// Snapshot returns the current configuration.
func (s *Set) Snapshot() *Snapshot {
	return s.current.Load()
}

// Configs returns copies of every rule configuration in evaluation order.
func (s *Set) Configs() []domain.RuleConfig {
	rules := s.Snapshot().rules
	out := make([]domain.RuleConfig, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Config.Clone())
	}
	return out
}

// Get returns a copy of one rule's configuration.
func (s *Set) Get(id string) (domain.RuleConfig, error) {
	rules := s.Snapshot().rules
	if idx := indexOf(rules, id); idx >= 0 {
		return rules[idx].Config.Clone(), nil
	}
	return domain.RuleConfig{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// UpdateRule applies update to the rule with the given id. Unknown ids return
// ErrRuleNotFound and invalid values return ErrInvalidRule; in both cases the
// configuration is unchanged.
func (s *Set) UpdateRule(id string, update domain.RuleUpdate) (domain.RuleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Snapshot().rules
	idx := indexOf(old, id)
	if idx < 0 {
		return domain.RuleConfig{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	cfg := update.Apply(old[idx].Config)
	r, err := s.build(cfg)
	if err != nil {
		return domain.RuleConfig{}, err
	}

	next := make([]*Rule, len(old))
	copy(next, old)
	next[idx] = r
	s.current.Store(newSnapshot(next))

	return r.Config.Clone(), nil
}

// AddRule appends an expression rule.
func (s *Set) AddRule(cfg domain.RuleConfig) (domain.RuleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Snapshot().rules
	if indexOf(old, cfg.ID) >= 0 {
		return domain.RuleConfig{}, fmt.Errorf("%w: %s", ErrRuleExists, cfg.ID)
	}
	if _, ok := lookupBuiltin(cfg.ID); ok {
		return domain.RuleConfig{}, fmt.Errorf("%w: %s", ErrRuleExists, cfg.ID)
	}

	r, err := s.build(cfg)
	if err != nil {
		return domain.RuleConfig{}, err
	}

	next := make([]*Rule, len(old), len(old)+1)
	copy(next, old)
	next = append(next, r)
	s.current.Store(newSnapshot(next))

	return r.Config.Clone(), nil
}

// build validates cfg and binds it to its predicate.
func (s *Set) build(cfg domain.RuleConfig) (*Rule, error) {
	cfg = cfg.Clone()
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if cfg.Params.Severity != 0 && !cfg.Params.Severity.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown severity %d", ErrInvalidRule, cfg.ID, int(cfg.Params.Severity))
	}

	if d, ok := lookupBuiltin(cfg.ID); ok {
		if cfg.Params.Expression != "" {
			return nil, fmt.Errorf("%w: rule %s: built-in rules do not take an expression", ErrInvalidRule, cfg.ID)
		}
		if d.Validate != nil {
			if err := d.Validate(cfg.Params); err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, cfg.ID, err)
			}
		}
		if cfg.Description == "" {
			cfg.Description = d.Description
		}
		return &Rule{Config: cfg, Kind: KindBuiltin, check: d.Check, severity: d.Severity}, nil
	}

	if cfg.Params.WindowSeconds < 0 {
		return nil, fmt.Errorf("%w: rule %s: timeWindow must not be negative", ErrInvalidRule, cfg.ID)
	}
	program, err := s.compiler.Compile(cfg.ID, cfg.Params.Expression)
	if err != nil {
		return nil, err
	}
	return &Rule{Config: cfg, Kind: KindExpression, check: expressionCheck(program), severity: expressionSeverity}, nil
}

func newSnapshot(rules []*Rule) *Snapshot {
	retention := time.Duration(defaultExpressionWindow) * time.Second
	for _, r := range rules {
		if w := time.Duration(r.Config.Params.WindowSeconds) * time.Second; w > retention {
			retention = w
		}
	}
	return &Snapshot{rules: rules, retention: retention}
}

func indexOf(rules []*Rule, id string) int {
	for i, r := range rules {
		if r.Config.ID == id {
			return i
		}
	}
	return -1
}

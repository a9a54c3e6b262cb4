package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentloop/internal/observability"
)

// Charge is one closed scope as written to the ledger.
type Charge struct {
	ID        string
	ProjectID string
	ThreadID  string
	Model     string
	Kind      Kind
	Basis     Basis
	Tokens    int
	Cost      float64
	CreatedAt time.Time
}

// Ledger is the accounting backend. Record must be safe for concurrent use.
type Ledger interface {
	Record(ctx context.Context, charge Charge) error
}

// Config configures an Accountant.
type Config struct {
	Costs CostTable

	// MaxSpendPerRequest caps the completion reservation in USD.
	MaxSpendPerRequest float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Accountant opens accounting sessions against a ledger.
type Accountant struct {
	ledger   Ledger
	costs    CostTable
	maxSpend float64
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewAccountant creates an accountant writing to ledger.
func NewAccountant(ledger Ledger, config Config) *Accountant {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		ledger:   ledger,
		costs:    config.Costs,
		maxSpend: config.MaxSpendPerRequest,
		logger:   logger.With("component", "usage"),
		metrics:  config.Metrics,
	}
}

// Costs returns the price table.
func (a *Accountant) Costs() CostTable {
	return a.costs
}

// Begin opens the three scopes for one turn. The completion scope reserves
// what the per-request spend cap buys; the prompt scope reserves
// promptEstimate; the cached scope reserves nothing, since cached input can
// only be counted once a provider reports it.
func (a *Accountant) Begin(projectID, threadID, model string, promptEstimate int) *Session {
	s := &Session{
		accountant: a,
		projectID:  projectID,
		threadID:   threadID,
		model:      model,
		scopes:     make(map[Kind]*Scope, len(Kinds)),
	}
	reserve := map[Kind]int{
		KindCached:     0,
		KindPrompt:     promptEstimate,
		KindCompletion: a.costs.CompletionReservation(model, a.maxSpend),
	}
	for _, k := range Kinds {
		s.scopes[k] = &Scope{Kind: k, Reserved: reserve[k]}
	}
	return s
}

// Scope is one running spend tracker.
type Scope struct {
	Kind     Kind
	Reserved int
	Observed int
	seen     bool
}

// Tokens is what the scope would charge now. A scope that reserved nothing
// charges whatever it observed on the observed basis, settled or not.
func (s *Scope) Tokens(settled bool) (int, Basis) {
	switch {
	case settled && s.seen:
		return s.Observed, BasisObserved
	case s.seen && s.Reserved == 0:
		return s.Observed, BasisObserved
	case s.seen && s.Observed > s.Reserved:
		return s.Observed, BasisReserved
	default:
		return s.Reserved, BasisReserved
	}
}

// Session groups the scopes of one turn. It is safe for concurrent use.
type Session struct {
	accountant *Accountant
	projectID  string
	threadID   string
	model      string

	mu      sync.Mutex
	scopes  map[Kind]*Scope
	settled bool
	closed  bool
}

// ErrSessionClosed is returned by a second Close.
var ErrSessionClosed = errors.New("accounting session already closed")

// Observe adds counts reported by one model call. Counts accumulate across
// the calls of a turn.
func (s *Session) Observe(cached, prompt, completion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, n := range map[Kind]int{KindCached: cached, KindPrompt: prompt, KindCompletion: completion} {
		sc := s.scopes[kind]
		sc.Observed += n
		sc.seen = true
	}
}

// Settle marks the observed counts as final. Without it, Close keeps the
// reservations (or any larger observed count).
func (s *Session) Settle() {
	s.mu.Lock()
	s.settled = true
	s.mu.Unlock()
}

// Scope returns a snapshot of one scope.
func (s *Session) Scope(kind Kind) Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scopes[kind]; ok {
		return *sc
	}
	return Scope{Kind: kind}
}

// Close writes one charge per scope. Ledger errors are joined; every scope
// is attempted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	settled := s.settled
	scopes := make([]Scope, 0, len(Kinds))
	for _, k := range Kinds {
		scopes = append(scopes, *s.scopes[k])
	}
	s.mu.Unlock()

	a := s.accountant
	cost := a.costs.Lookup(s.model)
	now := time.Now().UTC()
	var errs []error
	for i := range scopes {
		tokens, basis := scopes[i].Tokens(settled)
		charge := Charge{
			ID:        uuid.NewString(),
			ProjectID: s.projectID,
			ThreadID:  s.threadID,
			Model:     s.model,
			Kind:      scopes[i].Kind,
			Basis:     basis,
			Tokens:    tokens,
			Cost:      float64(tokens) * cost.PerToken(scopes[i].Kind),
			CreatedAt: now,
		}
		a.metrics.RecordAccountedTokens(string(charge.Kind), string(charge.Basis), tokens)
		if a.ledger == nil {
			continue
		}
		if err := a.ledger.Record(ctx, charge); err != nil {
			a.logger.Error("failed to record charge",
				"project_id", s.projectID,
				"thread_id", s.threadID,
				"scope", charge.Kind,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("record %s charge: %w", charge.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// MemoryLedger keeps charges in process, totalled per project.
type MemoryLedger struct {
	mu      sync.RWMutex
	charges []Charge
	totals  map[string]map[Kind]int64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{totals: make(map[string]map[Kind]int64)}
}

func (m *MemoryLedger) Record(ctx context.Context, charge Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, charge)
	byKind, ok := m.totals[charge.ProjectID]
	if !ok {
		byKind = make(map[Kind]int64, len(Kinds))
		m.totals[charge.ProjectID] = byKind
	}
	byKind[charge.Kind] += int64(charge.Tokens)
	return nil
}

// Totals returns token totals per scope for a project.
func (m *MemoryLedger) Totals(projectID string) map[Kind]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Kind]int64, len(Kinds))
	for k, v := range m.totals[projectID] {
		out[k] = v
	}
	return out
}

// Charges returns every recorded charge in order.
func (m *MemoryLedger) Charges() []Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Charge(nil), m.charges...)
}

package usage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/internal/threads"
)

var testCosts = CostTable{
	DefaultModel: {Cached: 0.000001, Prompt: 0.000002, Completion: 0.00001},
	"big":        {Cached: 0.00001, Prompt: 0.00002, Completion: 0.0001},
}

func TestCostTable(t *testing.T) {
	if got := testCosts.Lookup("unknown"); got != testCosts[DefaultModel] {
		t.Errorf("Lookup(unknown) = %+v", got)
	}
	tests := []struct {
		model    string
		maxSpend float64
		want     int
	}{
		{"gpt", 0.05, 5000},
		{"big", 0.05, 500},
		{"gpt", 0, 0},
	}
	for _, tt := range tests {
		if got := testCosts.CompletionReservation(tt.model, tt.maxSpend); got != tt.want {
			t.Errorf("CompletionReservation(%s, %v) = %d, want %d", tt.model, tt.maxSpend, got, tt.want)
		}
	}
	if got := (CostTable{}).CompletionReservation("x", 1); got != 0 {
		t.Errorf("no cost configured = %d, want 0", got)
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	for chars, want := range map[int]int{0: 0, 1: 1, 4: 1, 5: 2, 400: 100} {
		if got := EstimatePromptTokens(chars); got != want {
			t.Errorf("EstimatePromptTokens(%d) = %d, want %d", chars, got, want)
		}
	}
}

func TestSession_SettledUsesObservedCounts(t *testing.T) {
	ledger := NewMemoryLedger()
	a := NewAccountant(ledger, Config{Costs: testCosts, MaxSpendPerRequest: 0.05})

	s := a.Begin("p1", "t1", "gpt", 800)
	if got := s.Scope(KindCompletion).Reserved; got != 5000 {
		t.Errorf("completion reservation = %d, want 5000", got)
	}
	s.Observe(100, 200, 30)
	s.Observe(0, 50, 10)
	s.Settle()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	totals := ledger.Totals("p1")
	if totals[KindCached] != 100 || totals[KindPrompt] != 250 || totals[KindCompletion] != 40 {
		t.Errorf("totals = %v", totals)
	}
	for _, c := range ledger.Charges() {
		if c.Basis != BasisObserved || c.ThreadID != "t1" || c.ID == "" {
			t.Errorf("charge = %+v", c)
		}
		if c.Kind == KindCompletion && math.Abs(c.Cost-40*0.00001) > 1e-12 {
			t.Errorf("completion cost = %v", c.Cost)
		}
	}
}

func TestSession_UnsettledKeepsReservation(t *testing.T) {
	ledger := NewMemoryLedger()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	a := NewAccountant(ledger, Config{Costs: testCosts, MaxSpendPerRequest: 0.05, Metrics: metrics})

	s := a.Begin("p1", "t1", "gpt", 800)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	totals := ledger.Totals("p1")
	if totals[KindCached] != 0 || totals[KindPrompt] != 800 || totals[KindCompletion] != 5000 {
		t.Errorf("totals = %v", totals)
	}
	for _, c := range ledger.Charges() {
		if c.Basis != BasisReserved {
			t.Errorf("basis = %s, want reserved", c.Basis)
		}
	}
	if got := testutil.ToFloat64(metrics.AccountedTokens.WithLabelValues("completion", "reserved")); got != 5000 {
		t.Errorf("accounted completion tokens = %v", got)
	}

	if err := s.Close(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Close() = %v", err)
	}
}

func TestSession_UnsettledNeverChargesLessThanObserved(t *testing.T) {
	ledger := NewMemoryLedger()
	a := NewAccountant(ledger, Config{Costs: testCosts, MaxSpendPerRequest: 0.05})
	s := a.Begin("p1", "t1", "gpt", 10)
	s.Observe(0, 900, 20)
	_ = s.Close(context.Background())

	totals := ledger.Totals("p1")
	if totals[KindPrompt] != 900 || totals[KindCompletion] != 5000 {
		t.Errorf("totals = %v", totals)
	}
}

func TestSession_UnsettledCachedChargesObserved(t *testing.T) {
	ledger := NewMemoryLedger()
	a := NewAccountant(ledger, Config{Costs: testCosts, MaxSpendPerRequest: 0.05})
	s := a.Begin("p1", "t1", "gpt", 500)
	s.Observe(120, 300, 20)
	_ = s.Close(context.Background())

	want := map[Kind]struct {
		tokens int
		basis  Basis
	}{
		KindCached:     {120, BasisObserved},
		KindPrompt:     {500, BasisReserved},
		KindCompletion: {5000, BasisReserved},
	}
	for _, c := range ledger.Charges() {
		w := want[c.Kind]
		if c.Tokens != w.tokens || c.Basis != w.basis {
			t.Errorf("%s charge = %d %s, want %d %s", c.Kind, c.Tokens, c.Basis, w.tokens, w.basis)
		}
	}
}

type failingLedger struct{ calls int }

func (f *failingLedger) Record(ctx context.Context, c Charge) error {
	f.calls++
	return errors.New("ledger down")
}

func TestSession_LedgerErrorsAreJoined(t *testing.T) {
	ledger := &failingLedger{}
	s := NewAccountant(ledger, Config{Costs: testCosts}).Begin("p", "t", "gpt", 1)
	err := s.Close(context.Background())
	if err == nil || !strings.Contains(err.Error(), "completion") {
		t.Errorf("Close() error = %v", err)
	}
	if ledger.calls != 3 {
		t.Errorf("ledger calls = %d, want 3", ledger.calls)
	}
}

func TestSQLLedger_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_charges")).
		WithArgs("c1", "p", "t", "gpt", "prompt", "observed", 12, 0.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ledger := NewSQLLedger(db, threads.DialectPostgres)
	err = ledger.Record(context.Background(), Charge{ID: "c1", ProjectID: "p", ThreadID: "t", Model: "gpt", Kind: KindPrompt, Basis: BasisObserved, Tokens: 12, Cost: 0.5})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLLedger_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	ledger := NewSQLLedger(db, threads.DialectSQLite)
	if err := ledger.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	a := NewAccountant(ledger, Config{Costs: testCosts, MaxSpendPerRequest: 0.01})
	s := a.Begin("proj", "t1", "gpt", 40)
	s.Observe(5, 35, 7)
	s.Settle()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = a.Begin("proj", "t2", "gpt", 40).Close(ctx)

	totals, err := ledger.Totals(ctx, "proj")
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if totals[KindCached] != 5 || totals[KindPrompt] != 75 || totals[KindCompletion] != 1007 {
		t.Errorf("totals = %v", totals)
	}
}

func TestFormatting(t *testing.T) {
	if got := FormatTokenCount(1500); got != "1.5K" {
		t.Errorf("FormatTokenCount = %q", got)
	}
	if got := FormatUSD(0.0042); got != "$0.0042" {
		t.Errorf("FormatUSD = %q", got)
	}
	if got := FormatTotals(map[Kind]int64{KindPrompt: 300}); got != "cached=0 prompt=300 completion=0" {
		t.Errorf("FormatTotals = %q", got)
	}
}

package engine

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"milestonepay/internal/config"
	"milestonepay/internal/events"
	"milestonepay/internal/lockset"
	"milestonepay/internal/repo"
	"milestonepay/internal/timeline"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics

	projectLocks *lockset.Set
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{},
		Config:       cfg,
		Now:          time.Now,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		projectLocks: lockset.New(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockProject serializes ledger writes for one project.
func (e Engine) lockProject(projectID string) func() {
	if e.projectLocks == nil {
		return func() {}
	}
	return e.projectLocks.Lock(projectID)
}

// ProgramWeek returns the program week for a project's hackathon end date,
// falling back to the configured reference date.
func (e Engine) ProgramWeek(hackathonEndDate string) (uint32, error) {
	ref := hackathonEndDate
	if ref == "" && e.Config != nil {
		ref = e.Config.Program.ReferenceEndDate
	}
	if ref == "" {
		return 0, ledgerErr(KindInvalidInput, "project has no hackathon end date and no program reference date is configured")
	}
	end, err := timeline.ParseDate(ref)
	if err != nil {
		return 0, ledgerErr(KindInvalidInput, "%v", err)
	}
	return timeline.CurrentWeek(end, e.now()), nil
}

// Metrics counts ledger outcomes.
type Metrics struct {
	confirmations *prometheus.CounterVec
	rejections    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milestonepay_ledger_confirmations_total",
			Help: "payments appended to project ledgers",
		}, []string{"milestone", "currency"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milestonepay_ledger_rejections_total",
			Help: "payment confirmations rejected by ledger invariants",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Confirmations() *prometheus.CounterVec { return m.confirmations }
func (m *Metrics) Rejections() *prometheus.CounterVec { return m.rejections }

func (m *Metrics) confirmed(milestone, currency string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(milestone, currency).Inc()
}

func (m *Metrics) rejected(err error) {
	if m == nil || err == nil {
		return
	}
	kind := "error"
	var le *LedgerError
	if errors.As(err, &le) {
		kind = string(le.Kind)
	}
	m.rejections.WithLabelValues(kind).Inc()
}

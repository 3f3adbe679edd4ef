// Package interaction is the append-only interaction store (C1): every
// completed or failed LLM call is persisted asynchronously, with secret
// redaction, truncation, and cost/token estimation. Failures here are never
// allowed to propagate to the LLM caller.
package interaction

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/registry"
	"github.com/ngoclaw/orchestrator-core/pkg/safego"
)

// Record is one row of the append-only call log.
type Record struct {
	Timestamp    time.Time
	Provider     string
	Model        string
	Caller       string
	Prompt       string
	Response     string
	InputTokens  int
	OutputTokens int
	CostEstimate float64
	DurationMs   int64
	OK           bool
	Error        string
}

// Store persists call records asynchronously through a bounded queue drained
// by a single background goroutine, and answers read-only analytical
// queries (used by the router's strategy selector) over a second,
// multi-connection handle so stats reads never block the writer.
type Store struct {
	writeDB *sql.DB // single connection: all writes serialize through here
	readDB  *sql.DB // pooled: concurrent stats queries
	queue   chan Record
	done    chan struct{} // closed once drain has persisted every queued record
	logger  *zap.Logger
	reg     *registry.Registry

	dropped prometheus.Counter
	depth   prometheus.Gauge
}

// Open creates (or attaches to) the interaction store at path, running both
// handles in WAL mode so the writer goroutine and concurrent readers never
// block each other.
func Open(path string, queueCapacity int, reg *registry.Registry, logger *zap.Logger) (*Store, error) {
	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open interaction store: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open interaction store (read handle): %w", err)
	}

	if queueCapacity <= 0 {
		queueCapacity = 1000
	}

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		queue:   make(chan Record, queueCapacity),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "interaction-store")),
		reg:     reg,
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_interaction_dropped_records_total",
			Help: "Call records dropped because the writer queue was full.",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_interaction_queue_depth",
			Help: "Current depth of the interaction store's bounded writer queue.",
		}),
	}

	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}

	safego.Go(s.logger, "interaction-store-writer", s.drain)

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS call_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			caller TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_estimate REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_model_ts ON call_log(model, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate interaction store: %w", err)
		}
	}
	return nil
}

// LogCall is fire-and-forget: it never returns an error to the caller. A
// full queue drops the oldest pending record and increments a diagnostic
// counter rather than blocking or failing the originating LLM call.
func (s *Store) LogCall(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Prompt = sanitize(rec.Prompt)
	rec.Response = sanitize(rec.Response)

	select {
	case s.queue <- rec:
		s.depth.Set(float64(len(s.queue)))
	default:
		// Queue full: drop the oldest to make room, per the bounded-queue
		// contract, then retry once.
		select {
		case <-s.queue:
			s.dropped.Inc()
		default:
		}
		select {
		case s.queue <- rec:
		default:
			s.dropped.Inc()
			s.logger.Warn("interaction queue full, record dropped", zap.String("model", rec.Model))
		}
	}
}

func (s *Store) drain() {
	defer close(s.done)
	for rec := range s.queue {
		s.depth.Set(float64(len(s.queue)))
		if err := s.insert(rec); err != nil {
			// Diagnosed to a side channel only — never surfaced upward.
			s.logger.Error("failed to persist call record",
				zap.String("model", rec.Model),
				zap.Error(err),
			)
		}
	}
}

func (s *Store) insert(rec Record) error {
	_, err := s.writeDB.Exec(
		`INSERT INTO call_log
			(timestamp, provider, model, caller, prompt, response, input_tokens, output_tokens, cost_estimate, duration_ms, ok, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Format(time.RFC3339Nano), rec.Provider, rec.Model, rec.Caller,
		rec.Prompt, rec.Response, rec.InputTokens, rec.OutputTokens, rec.CostEstimate,
		rec.DurationMs, boolToInt(rec.OK), nullableString(rec.Error),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// EstimateTokensFromChars approximates token count as ceil(len(text)/4).
func EstimateTokensFromChars(text string) int {
	n := len([]rune(text))
	return int(math.Ceil(float64(n) / 4.0))
}

// EstimateCost looks up model pricing and returns an estimated USD cost.
// Unknown models estimate to 0.
func (s *Store) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	d, ok := s.reg.Info(model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1_000_000*d.Pricing.InputPerMillion +
		float64(outputTokens)/1_000_000*d.Pricing.OutputPerMillion
	return cost
}

// GetDB returns the read-only analytical handle, for C4's stats queries.
func (s *Store) GetDB() *sql.DB {
	return s.readDB
}

// Close flushes the writer queue and closes both handles.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	_ = s.writeDB.Close()
	return s.readDB.Close()
}

// Collectors returns the Prometheus metrics this store exposes, for
// registration with a process-wide registry.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.dropped, s.depth}
}

// ModelStats is the aggregate view over recent call records that the
// strategy selector filters and ranks by.
type ModelStats struct {
	Model        string
	CallCount    int
	AvgLatencyMs float64
	SuccessRate  float64
	AvgCost      float64
}

// StatsSince returns per-model aggregates over call records newer than
// since, for every model with at least one recorded call.
func (s *Store) StatsSince(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT model,
		       COUNT(*) AS call_count,
		       AVG(duration_ms) AS avg_latency_ms,
		       AVG(CASE WHEN ok = 1 THEN 1.0 ELSE 0.0 END) AS success_rate,
		       AVG(cost_estimate) AS avg_cost
		FROM call_log
		WHERE timestamp > ?
		GROUP BY model
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var st ModelStats
		if err := rows.Scan(&st.Model, &st.CallCount, &st.AvgLatencyMs, &st.SuccessRate, &st.AvgCost); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

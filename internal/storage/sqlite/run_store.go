package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Run is one recorded fusion run.
type Run struct {
	RunID       string          `json:"run_id"`
	CreatedAt   int64           `json:"created_at"` // unix nanoseconds
	Kind        string          `json:"kind"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	ConfigJSON  json.RawMessage `json:"config_json,omitempty"`
	WeightsPath string          `json:"weights_path,omitempty"`
	InputPath   string          `json:"input_path,omitempty"`
	OutputPath  string          `json:"output_path,omitempty"`
	Points      int             `json:"points"`
	Segments    int             `json:"segments"`
	InMain      int             `json:"in_main"`
	InMod       int             `json:"in_mod"`
	OutChannels int             `json:"out_channels"`
	DurationNS  int64           `json:"duration_ns"`

	// Per-point L2 norm of the fused features.
	NormMean   float64 `json:"norm_mean"`
	NormStdDev float64 `json:"norm_stddev"`
	NormP50    float64 `json:"norm_p50"`
	NormP95    float64 `json:"norm_p95"`
	NormMax    float64 `json:"norm_max"`
	// Mean attention entropy in nats; nil when no attention was computed.
	EntropyMean *float64 `json:"entropy_mean,omitempty"`
}

// Duration returns the forward pass wall time.
func (r *Run) Duration() time.Duration { return time.Duration(r.DurationNS) }

// Created returns CreatedAt as a time.
func (r *Run) Created() time.Time { return time.Unix(0, r.CreatedAt) }

// RunFilter narrows List. Zero values match everything.
type RunFilter struct {
	Kind   string
	Status string
	Limit  int
}

// RunStore persists runs.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunStore creates a RunStore over db.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// SetNow replaces the clock used to stamp runs without a CreatedAt.
func (s *RunStore) SetNow(now func() time.Time) { s.now = now }

const runColumns = `run_id, created_at, kind, mode, status, error, config_json,
	weights_path, input_path, output_path, points, segments, in_main, in_mod,
	out_channels, duration_ns, norm_mean, norm_stddev, norm_p50, norm_p95,
	norm_max, entropy_mean`

// Insert persists run. An empty RunID is replaced by a new UUID and a zero
// CreatedAt by the current time.
func (s *RunStore) Insert(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = s.now().UnixNano()
	}
	if run.Status == "" {
		run.Status = StatusOK
	}

	var cfg interface{}
	if len(run.ConfigJSON) > 0 {
		cfg = string(run.ConfigJSON)
	}
	var entropy interface{}
	if run.EntropyMean != nil {
		entropy = *run.EntropyMean
	}

	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO fusion_runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.CreatedAt, run.Kind, run.Mode, run.Status, nullString(run.Error), cfg,
			nullString(run.WeightsPath), nullString(run.InputPath), nullString(run.OutputPath),
			run.Points, run.Segments, run.InMain, run.InMod,
			run.OutChannels, run.DurationNS, run.NormMean, run.NormStdDev, run.NormP50, run.NormP95,
			run.NormMax, entropy,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	diagf("recorded run %s (%s/%s, %d points)", run.RunID, run.Kind, run.Mode, run.Points)
	return nil
}

// Get returns the run with the given ID or a prefix of it, as long as the
// prefix is unambiguous.
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM fusion_runs
		WHERE run_id = ? OR run_id LIKE ? ESCAPE '\'
		ORDER BY run_id = ? DESC
		LIMIT 2`, runID, escapeLike(runID)+"%", runID)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	case runs[0].RunID == runID || len(runs) == 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous", runID)
	}
}

// List returns runs matching f, newest first.
func (s *RunStore) List(ctx context.Context, f RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + runColumns + ` FROM fusion_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, run_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Delete removes a run by ID.
func (s *RunStore) Delete(ctx context.Context, runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM fusion_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil
	})
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var r Run
		var errStr, cfg, weights, input, output sql.NullString
		var entropy sql.NullFloat64
		if err := rows.Scan(
			&r.RunID, &r.CreatedAt, &r.Kind, &r.Mode, &r.Status, &errStr, &cfg,
			&weights, &input, &output, &r.Points, &r.Segments, &r.InMain, &r.InMod,
			&r.OutChannels, &r.DurationNS, &r.NormMean, &r.NormStdDev, &r.NormP50, &r.NormP95,
			&r.NormMax, &entropy,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Error = errStr.String
		r.WeightsPath = weights.String
		r.InputPath = input.String
		r.OutputPath = output.String
		if cfg.Valid {
			r.ConfigJSON = json.RawMessage(cfg.String)
		}
		if entropy.Valid {
			v := entropy.Float64
			r.EntropyMean = &v
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Package runs records generation runs in BigQuery.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run statuses.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

const (
	generationRunsTable = "generation_runs"
	maxErrorMessageLen  = 2000
)

// GenerationRunRow mirrors a row of generation_runs.
type GenerationRunRow struct {
	RunID string `bigquery:"run_id"` // REQUIRED

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Mode         string `bigquery:"mode"`          // REQUIRED
	KGSource     string `bigquery:"kg_source"`     // NULLABLE
	StoreBackend string `bigquery:"store_backend"` // NULLABLE
	TestRun      bool   `bigquery:"test_run"`      // NULLABLE

	Queries       bigquery.NullInt64 `bigquery:"queries"`        // NULLABLE
	Processed     bigquery.NullInt64 `bigquery:"processed"`      // NULLABLE
	Failed        bigquery.NullInt64 `bigquery:"failed"`         // NULLABLE
	Skipped       bigquery.NullInt64 `bigquery:"skipped"`        // NULLABLE
	MatchedRows   bigquery.NullInt64 `bigquery:"matched_rows"`   // NULLABLE
	UnmatchedRows bigquery.NullInt64 `bigquery:"unmatched_rows"` // NULLABLE

	Status       string `bigquery:"status"`        // NULLABLE
	ErrorMessage string `bigquery:"error_message"` // NULLABLE

	Metadata bigquery.NullJSON `bigquery:"metadata"` // NULLABLE
}

// Info describes a run when it starts.
type Info struct {
	Mode         string
	KGSource     string
	StoreBackend string
	TestRun      bool
	Queries      int

	// Metadata is stored as JSON, e.g. output paths and lookup parameters.
	Metadata map[string]any
}

// Summary describes a finished run.
type Summary struct {
	Processed     int
	Failed        int
	Skipped       int
	MatchedRows   int
	UnmatchedRows int
}

// Tracker records the lifecycle of a run.
type Tracker interface {
	Start(ctx context.Context, info Info) (string, error)
	Succeed(ctx context.Context, runID string, s Summary) error
	// Fail never returns an error; failures to record a failure are logged.
	Fail(ctx context.Context, runID string, s Summary, runErr error)
}

// Nop is a Tracker that records nothing.
type Nop struct{}

func (Nop) Start(context.Context, Info) (string, error)    { return uuid.NewString(), nil }
func (Nop) Succeed(context.Context, string, Summary) error { return nil }
func (Nop) Fail(context.Context, string, Summary, error)   {}

// Recorder is the BigQuery Tracker.
type Recorder struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	log       zerolog.Logger
}

// NewRecorder uses a shared client.
func NewRecorder(client *bigquery.Client, projectID, datasetID string, log zerolog.Logger) *Recorder {
	return &Recorder{client: client, projectID: projectID, datasetID: datasetID, log: log}
}

func (r *Recorder) table() string {
	return fmt.Sprintf("`%s.%s.%s`", r.projectID, r.datasetID, generationRunsTable)
}

func (r *Recorder) startSQL() string {
	return fmt.Sprintf(`
		INSERT %s (
			run_id,
			started_ts,
			mode,
			kg_source,
			store_backend,
			test_run,
			queries,
			status,
			metadata
		)
		VALUES (
			@run_id,
			@started_ts,
			@mode,
			@kg_source,
			@store_backend,
			@test_run,
			@queries,
			@status,
			PARSE_JSON(@metadata)
		)
	`, r.table())
}

func (r *Recorder) finishSQL() string {
	return fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    processed = @processed,
		    failed = @failed,
		    skipped = @skipped,
		    matched_rows = @matched_rows,
		    unmatched_rows = @unmatched_rows,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, r.table())
}

func startParams(runID string, started time.Time, info Info) ([]bigquery.QueryParameter, error) {
	meta := info.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}
	return []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "started_ts", Value: started},
		{Name: "mode", Value: info.Mode},
		{Name: "kg_source", Value: info.KGSource},
		{Name: "store_backend", Value: info.StoreBackend},
		{Name: "test_run", Value: info.TestRun},
		{Name: "queries", Value: info.Queries},
		{Name: "status", Value: StatusRunning},
		{Name: "metadata", Value: string(metaJSON)},
	}, nil
}

func finishParams(runID, status string, finished time.Time, s Summary, runErr error) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "status", Value: status},
		{Name: "finished_ts", Value: finished},
		{Name: "processed", Value: s.Processed},
		{Name: "failed", Value: s.Failed},
		{Name: "skipped", Value: s.Skipped},
		{Name: "matched_rows", Value: s.MatchedRows},
		{Name: "unmatched_rows", Value: s.UnmatchedRows},
		{Name: "error_message", Value: errorMessage(runErr)},
		{Name: "run_id", Value: runID},
	}
}

// errorMessage truncates err to the column budget.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}

// Start inserts a RUNNING row and returns the generated run id.
func (r *Recorder) Start(ctx context.Context, info Info) (string, error) {
	runID := uuid.NewString()

	params, err := startParams(runID, time.Now(), info)
	if err != nil {
		return "", fmt.Errorf("Start: %w", err)
	}
	if err := execQuery(ctx, r.client, r.startSQL(), params); err != nil {
		return "", fmt.Errorf("Start: %w", err)
	}
	return runID, nil
}

// Succeed sets status=SUCCESS, the counters and finished_ts.
func (r *Recorder) Succeed(ctx context.Context, runID string, s Summary) error {
	if err := execQuery(ctx, r.client, r.finishSQL(), finishParams(runID, StatusSuccess, time.Now(), s, nil)); err != nil {
		return fmt.Errorf("Succeed: %w", err)
	}
	return nil
}

// Fail sets status=FAILED, the counters, finished_ts and error_message.
func (r *Recorder) Fail(ctx context.Context, runID string, s Summary, runErr error) {
	if err := execQuery(ctx, r.client, r.finishSQL(), finishParams(runID, StatusFailed, time.Now(), s, runErr)); err != nil {
		r.log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("Fail: recording failed run")
	}
}

func execQuery(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	q := client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

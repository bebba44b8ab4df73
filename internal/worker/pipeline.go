package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/explain"
	"github.com/kiranshivaraju/churnwatch/internal/mapping"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/internal/table"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

// Output columns appended to every input row.
const (
	ColumnProbability = "retention_probability"
	ColumnPrediction  = "retention_prediction"
	ColumnExplanation = "explanation"

	retentionThreshold = 0.5
)

// jobFailure is a terminal, input-specific failure. It is recorded on the
// prediction and the message is acknowledged.
type jobFailure struct {
	description string
	cause       error
	metrics     map[string]any
}

func (f *jobFailure) Error() string { return f.description }

func failJob(description string, cause error, m map[string]any) error {
	return &jobFailure{description: description, cause: cause, metrics: m}
}

type artifact struct {
	key     string
	rows    int
	metrics map[string]any
}

// run executes fetch, parse, map, predict, explain and write under the soft
// deadline. It returns a *jobFailure for terminal outcomes and any other
// error for retryable ones.
func (w *Worker) run(ctx context.Context, job *dispatch.Job, pred *models.Prediction, log *slog.Logger) (*artifact, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftDeadline)
	defer cancel()

	data, err := w.fetchInput(runCtx, job)
	if err != nil {
		return nil, w.deadlineOr(runCtx, err)
	}

	frame, err := table.Parse(data)
	if err != nil {
		return nil, failJob(models.ErrCodeInvalidCSV+": "+err.Error(), err, nil)
	}

	mapped, err := mapping.Map(w.runtime.Schema(), frame)
	var schemaErr *mapping.SchemaError
	if errors.As(err, &schemaErr) {
		return nil, failJob(schemaErr.Error(), err, nil)
	}
	if err != nil {
		return nil, failJob(models.ErrCodeModelError, err, nil)
	}
	report := mapped.Report
	if len(report.DroppedColumns) > 0 {
		log.Warn("columns_dropped", "columns", report.DroppedColumns)
	}
	imputed, unknown, clamped := report.Totals()
	w.metrics.Mapping("imputed", imputed)
	w.metrics.Mapping("unknown_level", unknown)
	w.metrics.Mapping("clamped", clamped)
	w.metrics.Mapping("dropped_column", len(report.DroppedColumns))

	probs, err := w.score(runCtx, mapped)
	if err != nil {
		return nil, w.deadlineOr(runCtx, failJob(models.ErrCodeModelError, err, report.Metrics()))
	}
	explanations := w.explainer.Explain(mapped.Rows)

	if timedOut(runCtx) {
		return nil, failJob(models.ErrCodeProcessingTimeout, runCtx.Err(), report.Metrics())
	}

	body, retained, err := renderOutput(frame, probs, explanations)
	if err != nil {
		return nil, fmt.Errorf("rendering output: %w", err)
	}

	key := blobstore.ResultKey(pred.ID, w.now())
	start := time.Now()
	err = w.blobs.Put(ctx, key, body, blobstore.PutOptions{
		ContentType: "text/csv",
		Metadata: map[string]string{
			"prediction-id": pred.ID.String(),
			"tenant-id":     pred.TenantID.String(),
		},
		IfAbsent: true,
	})
	w.observe("blob.put", start, err)
	if err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}

	m := report.Metrics()
	m["rows_processed"] = len(mapped.Rows)
	m["predicted_retained"] = retained
	m["explanation_top_n"] = w.explainer.TopN()
	if len(probs) > 0 {
		m["mean_retention_probability"] = mean(probs)
	}
	return &artifact{key: key, rows: len(mapped.Rows), metrics: m}, nil
}

// fetchInput loads the upload's bytes. A missing upload row or object is terminal.
func (w *Worker) fetchInput(ctx context.Context, job *dispatch.Job) ([]byte, error) {
	start := time.Now()
	upload, err := w.store.GetUpload(ctx, job.UploadID)
	w.observe("db.get_upload", start, ignore(err, store.ErrNotFound))
	if errors.Is(err, store.ErrNotFound) {
		return nil, failJob(models.ErrCodeInputNotFound, err, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading upload: %w", err)
	}

	start = time.Now()
	obj, err := w.blobs.Get(ctx, upload.ObjectKey)
	w.observe("blob.get", start, ignore(err, blobstore.ErrNotFound))
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return nil, failJob(models.ErrCodeInputNotFound, err, nil)
	case errors.Is(err, blobstore.ErrTooLarge):
		return nil, failJob(models.ErrCodeInvalidCSV+": file too large", err, nil)
	case err != nil:
		return nil, fmt.Errorf("fetching input %s: %w", upload.ObjectKey, err)
	}
	return obj.Data, nil
}

func (w *Worker) score(ctx context.Context, mapped *mapping.Result) ([]float64, error) {
	if len(mapped.Rows) == 0 {
		return []float64{}, nil
	}

	mat, err := w.runtime.Prepare(mapped.Rows)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	probs, err := w.runtime.PredictProba(ctx, mat)
	w.observe("model.predict", start, err)
	if err != nil {
		return nil, err
	}
	if len(probs) != len(mapped.Rows) {
		return nil, fmt.Errorf("model returned %d scores for %d rows", len(probs), len(mapped.Rows))
	}
	return probs, nil
}

// deadlineOr maps any error raised after the soft deadline to processing_timeout.
func (w *Worker) deadlineOr(runCtx context.Context, err error) error {
	if timedOut(runCtx) {
		return failJob(models.ErrCodeProcessingTimeout, err, nil)
	}
	return err
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// renderOutput echoes every input row and appends the three result columns.
// All cells pass through the sanitizing writer.
func renderOutput(frame *table.Frame, probs []float64, explanations []explain.Explanation) ([]byte, int, error) {
	var buf bytes.Buffer
	cw := table.NewWriter(&buf)

	header := make([]string, 0, len(frame.Header)+3)
	header = append(header, frame.Header...)
	header = append(header, ColumnProbability, ColumnPrediction, ColumnExplanation)
	if err := cw.Write(header); err != nil {
		return nil, 0, err
	}

	retained := 0
	record := make([]string, len(header))
	for r, row := range frame.Rows {
		for i, c := range row {
			record[i] = c.Raw
		}
		n := len(row)
		record[n] = strconv.FormatFloat(probs[r], 'f', 4, 64)
		if probs[r] >= retentionThreshold {
			record[n+1] = "1"
			retained++
		} else {
			record[n+1] = "0"
		}
		record[n+2] = explanations[r].Text()
		if err := cw.Write(record); err != nil {
			return nil, 0, err
		}
	}

	if err := cw.Flush(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), retained, nil
}

func mean(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

package jobqueue

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Export formats.
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// ExportOptions configures Export.
type ExportOptions struct {
	Queue          string // export a single queue (empty for all)
	IncludePayload bool
}

var exportColumns = []string{
	"id", "jobId", "queue", "type", "status", "errorCode", "reason",
	"attemptsMade", "maxAttempts", "retryCount", "failedAt", "estimatedCost",
}

// Export writes dead letters to w as JSON or CSV, oldest first.
func (q *DeadLetterQueue) Export(ctx context.Context, w io.Writer, format string, opts ExportOptions) error {
	rsp, err := q.st.ListDeadLetters(ctx, &DeadLetterListRequest{Queue: opts.Queue, Ascending: true})
	if err != nil {
		return err
	}
	records := rsp.Records
	if records == nil {
		records = []*DeadLetter{}
	}
	if !opts.IncludePayload {
		for _, r := range records {
			r.Payload = nil
		}
	}

	switch format {
	case ExportJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(records), "jobqueue: export")
	case ExportCSV:
		return exportCSV(w, records, opts.IncludePayload)
	default:
		return errors.Errorf("jobqueue: unsupported export format %q", format)
	}
}

func exportCSV(w io.Writer, records []*DeadLetter, payload bool) error {
	cw := csv.NewWriter(w)
	header := exportColumns
	if payload {
		header = append(append([]string(nil), exportColumns...), "payload")
	}
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "jobqueue: export")
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.JobID,
			r.Queue,
			r.Type,
			r.Status,
			r.ErrorCode,
			r.Reason,
			strconv.Itoa(r.AttemptsMade),
			strconv.Itoa(r.MaxAttempts),
			strconv.Itoa(r.RetryCount),
			r.FailedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.EstimatedCost, 'f', -1, 64),
		}
		if payload {
			row = append(row, string(r.Payload))
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "jobqueue: export")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "jobqueue: export")
}

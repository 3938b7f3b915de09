package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrsentinel/mrsentinel/internal/storage"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

const usageLogKind = "token-logs"

// UsageRecord is one successfully completed review's token usage.
// Records are immutable once written and appended in call order.
type UsageRecord struct {
	Timestamp    time.Time
	ProjectID    int64
	ProjectName  string
	MRIID        int
	Username     string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Model        string
	DurationMs   int64
}

var usageLogHeader = []string{
	"year", "month", "day", "time",
	"project_id", "project_name", "mr_iid", "username",
	"input_tokens", "output_tokens", "total_tokens",
	"model", "duration_ms",
}

// UsageLogWriter maintains the append-only, spreadsheet-friendly audit
// trail, one CSV segment per calendar month (YYYY-MM.csv). The timestamp is
// decomposed into year/month/day/time columns so downstream tools can group
// rows without date parsing. Only successful LLM calls are logged here.
type UsageLogWriter struct {
	store storage.Store
	mu    sync.Mutex
}

func NewUsageLogWriter(store storage.Store) *UsageLogWriter {
	return &UsageLogWriter{store: store}
}

// segmentKey returns the segment file name for a timestamp's month.
func segmentKey(ts time.Time) string {
	return ts.UTC().Format("2006-01") + ".csv"
}

// sanitizeField flattens a string so the written row never needs CSV
// quoting or escaping; downstream analysis depends on unambiguous rows.
func sanitizeField(s string) string {
	r := strings.NewReplacer(",", " ", "\"", "'", "\n", " ", "\r", " ")
	return strings.TrimSpace(r.Replace(s))
}

// Append writes one row to the segment for the record's month, creating the
// segment with its header row when it does not yet exist.
func (w *UsageLogWriter) Append(rec UsageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := rec.Timestamp.UTC()
	key := segmentKey(ts)

	exists, err := w.store.Exists(usageLogKind, key)
	if err != nil {
		return fmt.Errorf("check usage log segment: %w", err)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	if !exists {
		if err := cw.Write(usageLogHeader); err != nil {
			return err
		}
	}

	row := []string{
		strconv.Itoa(ts.Year()),
		strconv.Itoa(int(ts.Month())),
		strconv.Itoa(ts.Day()),
		ts.Format("15:04:05"),
		strconv.FormatInt(rec.ProjectID, 10),
		sanitizeField(rec.ProjectName),
		strconv.Itoa(rec.MRIID),
		sanitizeField(rec.Username),
		strconv.FormatInt(rec.InputTokens, 10),
		strconv.FormatInt(rec.OutputTokens, 10),
		strconv.FormatInt(rec.TotalTokens, 10),
		sanitizeField(rec.Model),
		strconv.FormatInt(rec.DurationMs, 10),
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	if err := w.store.Append(usageLogKind, key, buf.Bytes()); err != nil {
		return fmt.Errorf("append usage log segment %s: %w", key, err)
	}

	if !exists {
		logger.Infof("[UsageLog] Created new monthly log segment: %s", key)
	}
	return nil
}

// ReadMonth parses the segment for a period ("YYYY-MM") back into records,
// preserving append order. Returns storage.ErrNotFound when the segment
// does not exist.
func (w *UsageLogWriter) ReadMonth(period string) ([]UsageRecord, error) {
	data, err := w.store.Read(usageLogKind, period+".csv")
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(bytes.NewReader(data))
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse usage log segment %s: %w", period, err)
	}

	var records []UsageRecord
	for i, row := range rows {
		if i == 0 || len(row) != len(usageLogHeader) {
			continue
		}
		rec, err := parseUsageRow(row)
		if err != nil {
			logger.Warnf("[UsageLog] Skipping malformed row %d in %s: %v", i, period, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseUsageRow(row []string) (UsageRecord, error) {
	year, err := strconv.Atoi(row[0])
	if err != nil {
		return UsageRecord{}, err
	}
	month, err := strconv.Atoi(row[1])
	if err != nil {
		return UsageRecord{}, err
	}
	day, err := strconv.Atoi(row[2])
	if err != nil {
		return UsageRecord{}, err
	}
	clock, err := time.Parse("15:04:05", row[3])
	if err != nil {
		return UsageRecord{}, err
	}

	projectID, _ := strconv.ParseInt(row[4], 10, 64)
	mrIID, _ := strconv.Atoi(row[6])
	inputTokens, _ := strconv.ParseInt(row[8], 10, 64)
	outputTokens, _ := strconv.ParseInt(row[9], 10, 64)
	totalTokens, _ := strconv.ParseInt(row[10], 10, 64)
	durationMs, _ := strconv.ParseInt(row[12], 10, 64)

	return UsageRecord{
		Timestamp: time.Date(year, time.Month(month), day,
			clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC),
		ProjectID:    projectID,
		ProjectName:  row[5],
		MRIID:        mrIID,
		Username:     row[7],
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  totalTokens,
		Model:        row[11],
		DurationMs:   durationMs,
	}, nil
}

package audit

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

type parquetRecord struct {
	ID              string `parquet:"id"`
	TraceID         string `parquet:"trace_id"`
	Subject         string `parquet:"subject"`
	Question        string `parquet:"question"`
	Category        string `parquet:"category"`
	Outcome         string `parquet:"outcome"`
	ErrorKind       string `parquet:"error_kind"`
	Reason          string `parquet:"reason"`
	CandidateSQL    string `parquet:"candidate_sql"`
	ExecutedSQL     string `parquet:"executed_sql"`
	RowCount        int64  `parquet:"row_count"`
	Truncated       bool   `parquet:"truncated"`
	StartedAtUnixMs int64  `parquet:"started_at_unix_ms"`
	DurationMs      int64  `parquet:"duration_ms"`
}

func EncodeRecords(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	rows := make([]parquetRecord, 0, len(records))
	for _, record := range records {
		rows = append(rows, parquetRecord{
			ID:              record.ID,
			TraceID:         record.TraceID,
			Subject:         record.Subject,
			Question:        record.Question,
			Category:        record.Category,
			Outcome:         string(record.Outcome),
			ErrorKind:       record.ErrorKind,
			Reason:          record.Reason,
			CandidateSQL:    record.CandidateSQL,
			ExecutedSQL:     record.ExecutedSQL,
			RowCount:        int64(record.RowCount),
			Truncated:       record.Truncated,
			StartedAtUnixMs: record.StartedAt.UnixMilli(),
			DurationMs:      record.Duration.Milliseconds(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

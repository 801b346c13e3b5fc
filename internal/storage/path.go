package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

const auditRoot = "audit"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildAuditBatchPath partitions audit batches by UTC date and hour:
// audit/date=YYYY-MM-DD/hour=HH/chat-<batchID>.parquet.
func BuildAuditBatchPath(flushedAt time.Time, batchID string) (string, error) {
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}
	ts := flushedAt.UTC()
	return path.Join(
		auditRoot,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("chat-%s.parquet", batchID),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

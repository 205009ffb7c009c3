// Package export writes the verification records as CSV.
package export

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
)

// Header is the first row of every export.
var Header = []string{"ID", "Tag", "IGN", "Timestamp", "VerifiedBy", "LastPassUsage", "ArkStrikes", "CannotReverifyUntil"}

// missing fills optional timestamp columns that were never set.
const missing = "N/A"

// Row renders one record.
func Row(userID string, rec store.VerificationRecord) []string {
	tag := rec.Tag
	if tag == "" {
		tag = rec.DisplayName
	}
	return []string{
		userID,
		tag,
		rec.InGameName,
		timestamp(rec.VerifiedAt),
		rec.VerifiedBy,
		millis(rec.LastChallengeSuccess),
		strconv.Itoa(rec.StrikeCount),
		millis(rec.SuspendedUntil),
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return missing
	}
	return t.UTC().Format(time.RFC3339)
}

func millis(m store.Millis) string {
	if m.IsZero() {
		return missing
	}
	return timestamp(m.Time())
}

// Write writes records to w, oldest verification first. onRow, when not nil,
// is called after each row.
func Write(w io.Writer, records map[string]store.VerificationRecord, onRow func()) error {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := records[a].VerifiedAt.Compare(records[b].VerifiedAt); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, id := range ids {
		if err := cw.Write(Row(id, records[id])); err != nil {
			return fmt.Errorf("write csv row %s: %w", id, err)
		}
		if onRow != nil {
			onRow()
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileName names an export taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("verified_%d.csv", t.UnixMilli())
}

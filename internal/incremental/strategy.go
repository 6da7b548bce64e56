// Package incremental implements the Incremental Strategy (spec.md §4.4):
// deciding per ObjectTask whether to issue a full query or a delta
// predicate, and computing the delta lower bound.
package incremental

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/backupforce/internal/history"
	"github.com/steveyegge/backupforce/internal/sink"
)

// noWatermarkSuffixes names objects that never support LastModifiedDate
// filtering (spec.md §4.4 rule 2).
var noWatermarkSuffixes = []string{
	"History", "__History", "__mdt", "Share", "__Share", "Feed", "ChangeEvent", "__ChangeEvent",
}

// SupportsLastModifiedDate reports whether object can be filtered by a
// modification timestamp, per the suffix catalog.
func SupportsLastModifiedDate(object string) bool {
	for _, suffix := range noWatermarkSuffixes {
		if strings.HasSuffix(object, suffix) {
			return false
		}
	}
	return true
}

// Decision is the outcome of Decide: whether to run full or delta, and if
// delta, the combined WHERE clause to issue.
type Decision struct {
	Full  bool
	Where string
}

// Strategy decides per-object full-vs-delta using the sink and backup
// history as watermark sources.
type Strategy struct {
	Sink     sink.Sink
	History  history.Store
	Username string
}

// Decide implements the ordered rules in spec.md §4.4. customWhere is the
// user-supplied fragment (a leading "WHERE " is stripped here if the user
// typed one); it is combined with any incremental predicate as
// "(<incremental>) AND (<custom>)".
func (s *Strategy) Decide(ctx context.Context, object, targetTable string, incremental bool, customWhere string) (Decision, error) {
	if s.Sink != nil && s.Sink.RecreateTables() {
		return combineWithCustom(Decision{Full: true}, customWhere), nil
	}
	if !incremental {
		return combineWithCustom(Decision{Full: true}, customWhere), nil
	}
	if !SupportsLastModifiedDate(object) {
		return combineWithCustom(Decision{Full: true}, customWhere), nil
	}

	var watermark time.Time
	var err error
	switch s.Sink.(type) {
	case *sink.TableSink:
		watermark, err = s.Sink.LastBackupTimestamp(ctx, targetTable)
		if err != nil {
			return Decision{}, fmt.Errorf("lookup table watermark for %s: %w", object, err)
		}
	default:
		watermark, err = s.History.LastCompletedWatermark(ctx, s.Username, object)
		if err != nil {
			return Decision{}, fmt.Errorf("lookup history watermark for %s: %w", object, err)
		}
	}

	if watermark.IsZero() {
		return combineWithCustom(Decision{Full: true}, customWhere), nil
	}

	predicate := fmt.Sprintf("LastModifiedDate > %s", formatISO8601(watermark))
	return combineWithCustom(Decision{Full: false, Where: predicate}, customWhere), nil
}

func combineWithCustom(d Decision, customWhere string) Decision {
	customWhere = strings.TrimSpace(customWhere)
	if customWhere == "" {
		return d
	}
	if strings.HasPrefix(strings.ToUpper(customWhere), "WHERE ") {
		customWhere = strings.TrimSpace(customWhere[len("WHERE "):])
	}
	if d.Full {
		return Decision{Full: d.Full, Where: customWhere}
	}
	return Decision{Full: false, Where: fmt.Sprintf("(%s) AND (%s)", d.Where, customWhere)}
}

// formatISO8601 renders an ISO-8601 UTC timestamp suitable for a SOQL-like
// literal, e.g. 2026-07-30T12:00:00Z.
func formatISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}


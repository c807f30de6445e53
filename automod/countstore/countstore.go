// Violation counters, bucketed by time period.
//
// The engine increments a counter for every violation (per rule, and per user), plus "distinct" counters (eg, how many distinct users tripped a given rule). Counters back the "warnings" command and the admin status endpoint; they do not influence escalation, which is score based.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// Counter namespaces used by the moderation engine.
const (
	// violations by rule id
	NameRuleViolations = "rule-violations"
	// violations by guild/user
	NameUserViolations = "user-violations"
	// distinct users per rule id
	NameRuleUsers = "rule-users"
)

var AllPeriods = []string{PeriodTotal, PeriodDay, PeriodHour}

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string, now time.Time) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := now.UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := now.UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

// Summary of one counter across all periods.
type Counts struct {
	Total int `json:"total"`
	Day   int `json:"day"`
	Hour  int `json:"hour"`
}

// GetCounts reads a counter for all periods.
func GetCounts(ctx context.Context, cs CountStore, name, val string) (Counts, error) {
	var out Counts
	var err error
	if out.Total, err = cs.GetCount(ctx, name, val, PeriodTotal); err != nil {
		return out, err
	}
	if out.Day, err = cs.GetCount(ctx, name, val, PeriodDay); err != nil {
		return out, err
	}
	if out.Hour, err = cs.GetCount(ctx, name, val, PeriodHour); err != nil {
		return out, err
	}
	return out, nil
}

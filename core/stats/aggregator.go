package stats

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/user"
)

type (
	// HistorySource is the durable attendance trail the cache is derived from.
	// Satisfied by attendance.HistoryRepository.
	HistorySource interface {
		AggregateStatusCounts(ctx context.Context, studentIDs ...string) (map[string]attendance.StatusCounts, error)
	}

	// EnrollmentSource tallies accepted enrollments. Satisfied by class.Repository.
	EnrollmentSource interface {
		CountAcceptedEntriesByStudent(ctx context.Context, studentIDs ...string) (map[string]int, error)
	}

	// Sink persists the rebuilt cache. Satisfied by user.Repository.
	Sink interface {
		UpdateUserStats(ctx context.Context, id string, stats user.CachedStats) error
	}

	// Aggregator rebuilds cached per-student statistics from scratch. It is a
	// pure re-derivation over the history trail and the enrollment ledger:
	// concurrent recomputations may race on write order, but every writer
	// produces a correct snapshot, so the last one standing is the truth.
	Aggregator struct {
		history HistorySource
		enroll  EnrollmentSource
		sink    Sink
	}
)

func NewAggregator(history HistorySource, enroll EnrollmentSource, sink Sink) *Aggregator {
	return &Aggregator{
		history: history,
		enroll:  enroll,
		sink:    sink,
	}
}

// Recompute rebuilds and persists one student's cached stats, returning the
// fresh value.
func (agg *Aggregator) Recompute(ctx context.Context, studentID string) (user.CachedStats, error) {
	computed, err := agg.compute(ctx, studentID)
	if err != nil {
		return user.CachedStats{}, err
	}

	stats := computed[studentID]
	if err = agg.sink.UpdateUserStats(ctx, studentID, stats); err != nil {
		return user.CachedStats{}, errors.Wrap(err, "writing cached stats")
	}
	return stats, nil
}

// BulkRecompute rebuilds many students' cached stats from a single aggregation
// pass over the history store. Invoked after session completion for every
// student on the roster.
func (agg *Aggregator) BulkRecompute(ctx context.Context, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}

	computed, err := agg.compute(ctx, studentIDs...)
	if err != nil {
		return err
	}

	for _, studentID := range studentIDs {
		if err = agg.sink.UpdateUserStats(ctx, studentID, computed[studentID]); err != nil {
			return errors.Wrapf(err, "writing cached stats of student %s", studentID)
		}
	}
	return nil
}

func (agg *Aggregator) compute(ctx context.Context, studentIDs ...string) (map[string]user.CachedStats, error) {
	counts, err := agg.history.AggregateStatusCounts(ctx, studentIDs...)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating history")
	}
	enrolled, err := agg.enroll.CountAcceptedEntriesByStudent(ctx, studentIDs...)
	if err != nil {
		return nil, errors.Wrap(err, "counting enrollments")
	}

	computed := make(map[string]user.CachedStats, len(studentIDs))
	for _, studentID := range studentIDs {
		sc := counts[studentID]
		stats := user.CachedStats{
			SessionsCount:        sc.Sessions,
			Present:              sc.Present,
			Absent:               sc.Absent,
			Late:                 sc.Late,
			Excused:              sc.Excused,
			EnrolledClassesCount: enrolled[studentID],
		}
		if stats.SessionsCount > 0 {
			stats.Percentage = int(math.Round(float64(stats.Present) / float64(stats.SessionsCount) * 100))
		}
		computed[studentID] = stats
	}
	return computed, nil
}

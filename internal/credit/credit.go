// Package credit keeps the per-user accounting trail of LLM usage:
// one activity row per charge, with an aggregated summary per user.
package credit

import (
	"context"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Store persists credit activities.
type Store interface {
	Record(ctx context.Context, activity *v1.CreditActivity) error

	// ListActivities pages a user's activities, newest first.
	ListActivities(ctx context.Context, userID string, limit, offset int) ([]*v1.CreditActivity, error)

	// Summary aggregates all of a user's activities.
	Summary(ctx context.Context, userID string) (*v1.CreditSummary, error)

	Close() error
}

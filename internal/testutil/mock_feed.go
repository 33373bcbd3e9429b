package testutil

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// MockFeed implements outbound.PositionFeed for testing. FetchFn takes
// precedence over Feed.
type MockFeed struct {
	Feed    *entity.Feed
	FetchFn func(ctx context.Context) (*entity.Feed, error)
}

func (m *MockFeed) Fetch(ctx context.Context) (*entity.Feed, error) {
	if m.FetchFn != nil {
		return m.FetchFn(ctx)
	}
	if m.Feed == nil {
		return &entity.Feed{}, nil
	}
	return m.Feed, nil
}

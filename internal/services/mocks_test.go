package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/ledger/internal/events"
)

type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) Acquire(ctx context.Context, userIDs ...int64) (func(), error) {
	args := m.Called(ctx, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, e events.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

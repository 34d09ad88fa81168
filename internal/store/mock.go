package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/eventchat/go-eventchat/internal/types"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Append(ctx context.Context, roomId string, msg types.Message) error {
	args := m.Called(ctx, roomId, msg)
	return args.Error(0)
}

func (m *MockMessageStore) History(ctx context.Context, roomId string) ([]types.Message, error) {
	args := m.Called(ctx, roomId)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMessageStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

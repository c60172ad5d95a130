package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockGroupSyncRepository struct {
	mock.Mock
}

func (m *MockGroupSyncRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockGroupSyncRepository) GetAccount(ctx context.Context, userId int) (Account, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockGroupSyncRepository) GetChatByGroup(ctx context.Context, groupId int) (Chat, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockGroupSyncRepository) CreateChatForGroup(ctx context.Context, groupId int) (Chat, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockGroupSyncRepository) GetChat(ctx context.Context, chatId int) (Chat, error) {
	args := m.Called(ctx, chatId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockGroupSyncRepository) ListGroupMembers(ctx context.Context, groupId int) ([]int, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).([]int), args.Error(1)
}
func (m *MockGroupSyncRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGroupSyncRepository) PageMessages(ctx context.Context, chatId int, before *time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, chatId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGroupSyncRepository) GetMessageViews(ctx context.Context, messageId int) ([]MessageView, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).([]MessageView), args.Error(1)
}
func (m *MockGroupSyncRepository) GetViewsForMessages(ctx context.Context, messageIds []int) (map[int][]MessageView, error) {
	args := m.Called(ctx, messageIds)
	if views, ok := args.Get(0).(map[int][]MessageView); ok {
		return views, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGroupSyncRepository) GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error) {
	args := m.Called(ctx, userId, chatId)
	return args.Get(0).(ReadPointer), args.Error(1)
}
func (m *MockGroupSyncRepository) CountUnseen(ctx context.Context, userId, chatId int, after time.Time) (int, error) {
	args := m.Called(ctx, userId, chatId, after)
	return args.Int(0), args.Error(1)
}
func (m *MockGroupSyncRepository) CountAllFromOthers(ctx context.Context, userId, chatId int) (int, error) {
	args := m.Called(ctx, userId, chatId)
	return args.Int(0), args.Error(1)
}
func (m *MockGroupSyncRepository) GetTimerBaseline(ctx context.Context, subject types.TimerSubject) (int64, error) {
	args := m.Called(ctx, subject)
	return args.Get(0).(int64), args.Error(1)
}

// WithTx hands the configured *MockTx to fn. Set it up with
// On("WithTx", mock.Anything).Return(tx, nil); a non-nil error is returned
// without calling fn.
func (m *MockGroupSyncRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	args := m.Called(ctx)
	if err := args.Error(1); err != nil {
		return err
	}
	return fn(args.Get(0).(*MockTx))
}

type MockTx struct {
	mock.Mock
}

func (m *MockTx) LatestMessageTime(ctx context.Context, chatId int) (time.Time, error) {
	args := m.Called(ctx, chatId)
	return args.Get(0).(time.Time), args.Error(1)
}
func (m *MockTx) GetReplyTarget(ctx context.Context, chatId, messageId int) (Message, error) {
	args := m.Called(ctx, chatId, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockTx) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockTx) GetMessagesByIds(ctx context.Context, chatId int, messageIds []int) ([]Message, error) {
	args := m.Called(ctx, chatId, messageIds)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockTx) InsertMessageViews(ctx context.Context, userId int, messageIds []int, seenAt time.Time) (int, error) {
	args := m.Called(ctx, userId, messageIds, seenAt)
	return args.Int(0), args.Error(1)
}
func (m *MockTx) GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error) {
	args := m.Called(ctx, userId, chatId)
	return args.Get(0).(ReadPointer), args.Error(1)
}
func (m *MockTx) UpsertReadPointer(ctx context.Context, params UpsertReadPointerParams) (bool, error) {
	args := m.Called(ctx, params)
	return args.Bool(0), args.Error(1)
}

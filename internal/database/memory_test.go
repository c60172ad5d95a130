package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessages(t *testing.T, repo *MemoryRepository, chatId, senderId int, base time.Time, n int) []Message {
	t.Helper()

	var created []Message
	for i := range n {
		err := repo.WithTx(context.Background(), func(tx Tx) error {
			msg, err := tx.CreateMessage(context.Background(), CreateMessageParams{
				ChatId:    chatId,
				SenderId:  senderId,
				Content:   "hello",
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			created = append(created, msg)
			return err
		})
		require.NoError(t, err)
	}
	return created
}

func TestMemoryRepository_Chats(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.GetChatByGroup(ctx, 7)
	assert.ErrorIs(t, err, sql.ErrNoRows, "expected a miss before the chat exists")

	first, err := repo.CreateChatForGroup(ctx, 7)
	require.NoError(t, err)
	second, err := repo.CreateChatForGroup(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first.Id, second.Id, "expected create to return the existing chat")
	assert.Equal(t, 1, repo.ChatCount(7))

	got, err := repo.GetChat(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, 7, got.GroupId)
}

func TestMemoryRepository_GetAccount(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddGroupMember(1, 10, "alice")
	repo.AddGroupMember(2, 10, "")

	a, err := repo.GetAccount(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Username, "expected an empty name not to overwrite a known one")

	_, err = repo.GetAccount(context.Background(), 99)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryRepository_PageMessages(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	chat, _ := repo.CreateChatForGroup(ctx, 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := seedMessages(t, repo, chat.Id, 1, base, 5)

	page, err := repo.PageMessages(ctx, chat.Id, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, msgs[4].Id, page[0].Id, "expected newest first")
	assert.Equal(t, msgs[3].Id, page[1].Id)

	before := msgs[2].CreatedAt
	page, err = repo.PageMessages(ctx, chat.Id, &before, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, msgs[1].Id, page[0].Id)
	assert.Equal(t, msgs[0].Id, page[1].Id)
}

func TestMemoryRepository_InsertMessageViewsIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	chat, _ := repo.CreateChatForGroup(ctx, 1)
	msgs := seedMessages(t, repo, chat.Id, 1, time.Now().UTC(), 2)
	ids := []int{msgs[0].Id, msgs[1].Id, msgs[1].Id}

	var inserted []int
	for range 2 {
		err := repo.WithTx(ctx, func(tx Tx) error {
			n, err := tx.InsertMessageViews(ctx, 2, ids, time.Now().UTC())
			inserted = append(inserted, n)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []int{2, 0}, inserted)
	assert.Equal(t, 1, repo.ViewCount(msgs[0].Id))
	assert.Equal(t, 1, repo.ViewCount(msgs[1].Id))
}

func TestMemoryRepository_UpsertReadPointerNeverMovesBack(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	later := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	tcases := []struct {
		name     string
		at       time.Time
		advanced bool
		want     time.Time
	}{
		{name: "creates missing pointer", at: later, advanced: true, want: later},
		{name: "ignores older value", at: earlier, advanced: false, want: later},
		{name: "ignores equal value", at: later, advanced: false, want: later},
		{name: "advances to newer value", at: later.Add(time.Minute), advanced: true, want: later.Add(time.Minute)},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := repo.WithTx(ctx, func(tx Tx) error {
				advanced, err := tx.UpsertReadPointer(ctx, UpsertReadPointerParams{UserId: 1, ChatId: 1, LastSeenAt: tc.at})
				assert.Equal(t, tc.advanced, advanced)
				return err
			})
			require.NoError(t, err)

			p, err := repo.GetReadPointer(ctx, 1, 1)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(p.LastSeenAt), "expected pointer at %s, got %s", tc.want, p.LastSeenAt)
		})
	}
}

func TestMemoryRepository_WithTxRollsBack(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	chat, _ := repo.CreateChatForGroup(ctx, 1)

	errBoom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.CreateMessage(ctx, CreateMessageParams{ChatId: chat.Id, SenderId: 1, Content: "x", CreatedAt: time.Now()}); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	page, err := repo.PageMessages(ctx, chat.Id, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page, "expected the failed transaction to leave no message behind")
}

func TestMemoryRepository_Counts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	chat, _ := repo.CreateChatForGroup(ctx, 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessages(t, repo, chat.Id, 1, base, 3)
	seedMessages(t, repo, chat.Id, 2, base.Add(time.Minute), 2)

	all, err := repo.CountAllFromOthers(ctx, 2, chat.Id)
	require.NoError(t, err)
	assert.Equal(t, 3, all)

	unseen, err := repo.CountUnseen(ctx, 2, chat.Id, base)
	require.NoError(t, err)
	assert.Equal(t, 2, unseen, "expected only messages strictly after the pointer")
}

func TestMemoryRepository_TimerBaseline(t *testing.T) {
	repo := NewMemoryRepository()
	subject := types.TimerSubject{Kind: types.SubjectActivity, Id: 4}

	got, err := repo.GetTimerBaseline(context.Background(), subject)
	require.NoError(t, err)
	assert.Zero(t, got)

	repo.SetTimerBaseline(subject, 1500)
	got, err = repo.GetTimerBaseline(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got)
}

func TestMemoryRepository_LatestMessageTime(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	err := repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LatestMessageTime(ctx, 1)
		assert.ErrorIs(t, err, sql.ErrNoRows, "expected an empty chat to have no latest message")
		return nil
	})
	require.NoError(t, err)

	seedMessages(t, repo, 1, 1, base, 3)
	seedMessages(t, repo, 2, 1, base.Add(time.Hour), 1)

	err = repo.WithTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestMessageTime(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, base.Add(2*time.Second), latest)

		staged, err := tx.CreateMessage(ctx, CreateMessageParams{ChatId: 1, SenderId: 1, Content: "staged", CreatedAt: base.Add(time.Minute)})
		require.NoError(t, err)

		latest, err = tx.LatestMessageTime(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, staged.CreatedAt, latest, "expected writes staged in the transaction to count")
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryRepository_GetReplyTarget(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	msgs := seedMessages(t, repo, 1, 1, time.Now().UTC(), 1)

	err := repo.WithTx(ctx, func(tx Tx) error {
		target, err := tx.GetReplyTarget(ctx, 1, msgs[0].Id)
		require.NoError(t, err)
		assert.Equal(t, msgs[0].Id, target.Id)

		_, err = tx.GetReplyTarget(ctx, 2, msgs[0].Id)
		assert.ErrorIs(t, err, sql.ErrNoRows, "expected a message of another chat to miss")

		_, err = tx.GetReplyTarget(ctx, 1, 404)
		assert.ErrorIs(t, err, sql.ErrNoRows)
		return nil
	})
	require.NoError(t, err)
}

package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-groupsync/internal/types"
)

// GroupSyncRepository is everything the sync engine needs from durable
// storage. Lookups that miss return sql.ErrNoRows.
type GroupSyncRepository interface {
	Ping(ctx context.Context) error
	GetAccount(ctx context.Context, userId int) (Account, error)
	GetChatByGroup(ctx context.Context, groupId int) (Chat, error)
	CreateChatForGroup(ctx context.Context, groupId int) (Chat, error)
	GetChat(ctx context.Context, chatId int) (Chat, error)
	ListGroupMembers(ctx context.Context, groupId int) ([]int, error)
	GetMessage(ctx context.Context, messageId int) (Message, error)
	// PageMessages returns up to limit messages of the chat newest-first. When
	// before is set only messages created strictly earlier are returned.
	PageMessages(ctx context.Context, chatId int, before *time.Time, limit int) ([]Message, error)
	GetMessageViews(ctx context.Context, messageId int) ([]MessageView, error)
	GetViewsForMessages(ctx context.Context, messageIds []int) (map[int][]MessageView, error)
	GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error)
	CountUnseen(ctx context.Context, userId, chatId int, after time.Time) (int, error)
	CountAllFromOthers(ctx context.Context, userId, chatId int) (int, error)
	// GetTimerBaseline returns the checkpointed seconds for a timer subject,
	// zero if it was never checkpointed.
	GetTimerBaseline(ctx context.Context, subject types.TimerSubject) (int64, error)
	// WithTx runs fn in a single transaction, committed only if fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx holds the writes that must commit together: a message with its sender's
// view, and a batch of views with the read pointer they advance.
type Tx interface {
	// LatestMessageTime returns the created_at of the chat's newest message,
	// or sql.ErrNoRows for an empty chat. It holds the chat against
	// concurrent writers until the transaction ends.
	LatestMessageTime(ctx context.Context, chatId int) (time.Time, error)
	// GetReplyTarget returns a message of the chat and keeps it from being
	// deleted until the transaction ends. A miss is sql.ErrNoRows.
	GetReplyTarget(ctx context.Context, chatId, messageId int) (Message, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessagesByIds(ctx context.Context, chatId int, messageIds []int) ([]Message, error)
	// InsertMessageViews ignores (user, message) pairs that already exist and
	// reports how many rows were actually inserted.
	InsertMessageViews(ctx context.Context, userId int, messageIds []int, seenAt time.Time) (int, error)
	GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error)
	// UpsertReadPointer creates the pointer or moves it forward. It reports
	// false when an existing pointer was already at or past LastSeenAt.
	UpsertReadPointer(ctx context.Context, params UpsertReadPointerParams) (bool, error)
}

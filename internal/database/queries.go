package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/samber/lo"
)

const (
	messageColumns = "id, chat_id, sender_id, content, reply_to_id, created_at, updated_at"

	uniqueViolation = pq.ErrorCode("23505")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg     Message
		replyTo sql.NullInt64
	)
	err := row.Scan(
		&msg.Id,
		&msg.ChatId,
		&msg.SenderId,
		&msg.Content,
		&replyTo,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if replyTo.Valid {
		msg.ReplyToId = lo.ToPtr(int(replyTo.Int64))
	}

	return msg, err
}

func scanMessages(rows *sql.Rows, capacity int) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0, capacity)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func int64Ids(ids []int) []int64 {
	return lo.Map(ids, func(id int, _ int) int64 { return int64(id) })
}

func (db *PgGroupSyncRepository) GetAccount(ctx context.Context, userId int) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username FROM accounts WHERE id = $1 LIMIT 1",
		userId,
	)

	var a Account
	err := row.Scan(&a.Id, &a.Username)

	return a, err
}

func (db *PgGroupSyncRepository) GetChatByGroup(ctx context.Context, groupId int) (Chat, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, group_id, created_at FROM chats WHERE group_id = $1 LIMIT 1",
		groupId,
	)

	var chat Chat
	err := row.Scan(&chat.Id, &chat.GroupId, &chat.CreatedAt)

	return chat, err
}

// CreateChatForGroup inserts the group's chat. A concurrent insert for the
// same group trips the unique index on group_id, in which case the row that
// won is returned instead.
func (db *PgGroupSyncRepository) CreateChatForGroup(ctx context.Context, groupId int) (Chat, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO chats (group_id, created_at) VALUES ($1, $2) RETURNING id, group_id, created_at",
		groupId,
		time.Now().UTC(),
	)

	var chat Chat
	err := row.Scan(&chat.Id, &chat.GroupId, &chat.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return db.GetChatByGroup(ctx, groupId)
		}
		return Chat{}, err
	}

	return chat, nil
}

func (db *PgGroupSyncRepository) GetChat(ctx context.Context, chatId int) (Chat, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, group_id, created_at FROM chats WHERE id = $1 LIMIT 1",
		chatId,
	)

	var chat Chat
	err := row.Scan(&chat.Id, &chat.GroupId, &chat.CreatedAt)

	return chat, err
}

func (db *PgGroupSyncRepository) ListGroupMembers(ctx context.Context, groupId int) ([]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT account_id FROM group_members WHERE group_id = $1 ORDER BY account_id",
		groupId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]int, 0)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}

	return members, rows.Err()
}

func (db *PgGroupSyncRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		messageId,
	)

	return scanMessage(row)
}

func (db *PgGroupSyncRepository) PageMessages(ctx context.Context, chatId int, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE chat_id = $1 AND created_at < $2 ORDER BY created_at DESC, id DESC LIMIT $3",
			chatId,
			*before,
			limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
			chatId,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}

	return scanMessages(rows, limit)
}

func (db *PgGroupSyncRepository) GetMessageViews(ctx context.Context, messageId int) ([]MessageView, error) {
	views, err := db.GetViewsForMessages(ctx, []int{messageId})
	if err != nil {
		return nil, err
	}

	return views[messageId], nil
}

func (db *PgGroupSyncRepository) GetViewsForMessages(ctx context.Context, messageIds []int) (map[int][]MessageView, error) {
	views := make(map[int][]MessageView, len(messageIds))
	if len(messageIds) == 0 {
		return views, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT v.user_id, v.message_id, COALESCE(a.username, ''), v.seen_at FROM message_views v "+
			"LEFT JOIN accounts a ON a.id = v.user_id "+
			"WHERE v.message_id = ANY($1) ORDER BY v.seen_at, v.user_id",
		pq.Array(int64Ids(messageIds)),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v MessageView
		if err := rows.Scan(&v.UserId, &v.MessageId, &v.Username, &v.SeenAt); err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		views[v.MessageId] = append(views[v.MessageId], v)
	}

	return views, rows.Err()
}

func (db *PgGroupSyncRepository) GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error) {
	return getReadPointer(db.conn.QueryRowContext(ctx, readPointerQuery, userId, chatId))
}

func (db *PgGroupSyncRepository) CountUnseen(ctx context.Context, userId, chatId int, after time.Time) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND sender_id <> $2 AND created_at > $3",
		chatId,
		userId,
		after,
	).Scan(&count)

	return count, err
}

func (db *PgGroupSyncRepository) CountAllFromOthers(ctx context.Context, userId, chatId int) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND sender_id <> $2",
		chatId,
		userId,
	).Scan(&count)

	return count, err
}

func (db *PgGroupSyncRepository) GetTimerBaseline(ctx context.Context, subject types.TimerSubject) (int64, error) {
	var seconds int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT baseline_seconds FROM timer_baselines WHERE subject_kind = $1 AND subject_id = $2",
		string(subject.Kind),
		subject.Id,
	).Scan(&seconds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return seconds, err
}

const readPointerQuery = "SELECT user_id, chat_id, last_seen_at, COALESCE(last_message_id, 0), updated_at " +
	"FROM read_pointers WHERE user_id = $1 AND chat_id = $2"

func getReadPointer(row rowScanner) (ReadPointer, error) {
	var p ReadPointer
	err := row.Scan(&p.UserId, &p.ChatId, &p.LastSeenAt, &p.LastMessageId, &p.UpdatedAt)

	return p, err
}

func (t *pgTx) LatestMessageTime(ctx context.Context, chatId int) (time.Time, error) {
	var id int
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM chats WHERE id = $1 FOR UPDATE", chatId).Scan(&id)
	if err != nil {
		return time.Time{}, fmt.Errorf("lock chat: %w", err)
	}

	var latest sql.NullTime
	err = t.tx.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM messages WHERE chat_id = $1",
		chatId,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, sql.ErrNoRows
	}

	return latest.Time, nil
}

func (t *pgTx) GetReplyTarget(ctx context.Context, chatId, messageId int) (Message, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 AND chat_id = $2 FOR SHARE",
		messageId,
		chatId,
	)

	return scanMessage(row)
}

func (t *pgTx) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO messages (chat_id, sender_id, content, reply_to_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+messageColumns,
		params.ChatId,
		params.SenderId,
		params.Content,
		params.ReplyToId,
		params.CreatedAt,
	)

	return scanMessage(row)
}

func (t *pgTx) GetMessagesByIds(ctx context.Context, chatId int, messageIds []int) ([]Message, error) {
	if len(messageIds) == 0 {
		return []Message{}, nil
	}

	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = $1 AND id = ANY($2) ORDER BY created_at, id",
		chatId,
		pq.Array(int64Ids(messageIds)),
	)
	if err != nil {
		return nil, err
	}

	return scanMessages(rows, len(messageIds))
}

func (t *pgTx) InsertMessageViews(ctx context.Context, userId int, messageIds []int, seenAt time.Time) (int, error) {
	if len(messageIds) == 0 {
		return 0, nil
	}

	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO message_views (user_id, message_id, seen_at) "+
			"SELECT $1, unnest($2::bigint[]), $3 "+
			"ON CONFLICT (user_id, message_id) DO NOTHING",
		userId,
		pq.Array(int64Ids(messageIds)),
		seenAt,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) GetReadPointer(ctx context.Context, userId, chatId int) (ReadPointer, error) {
	return getReadPointer(t.tx.QueryRowContext(ctx, readPointerQuery+" FOR UPDATE", userId, chatId))
}

// UpsertReadPointer only overwrites a stored pointer that is strictly older,
// so two transactions racing on a missing row still settle on the maximum.
func (t *pgTx) UpsertReadPointer(ctx context.Context, params UpsertReadPointerParams) (bool, error) {
	var lastMessageId sql.NullInt64
	if params.LastMessageId > 0 {
		lastMessageId = sql.NullInt64{Int64: int64(params.LastMessageId), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO read_pointers (user_id, chat_id, last_seen_at, last_message_id, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (user_id, chat_id) DO UPDATE SET "+
			"last_seen_at = EXCLUDED.last_seen_at, last_message_id = EXCLUDED.last_message_id, updated_at = EXCLUDED.updated_at "+
			"WHERE read_pointers.last_seen_at < EXCLUDED.last_seen_at",
		params.UserId,
		params.ChatId,
		params.LastSeenAt,
		lastMessageId,
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

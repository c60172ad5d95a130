package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/stats"
	"github.com/samber/lo"
)

// normalizeSeenBatch drops non-positive and duplicate ids and caps the batch.
func (cs *ChatServer) normalizeSeenBatch(userId, chatId int, ids []int) []int {
	ids = lo.Uniq(lo.Filter(ids, func(id int, _ int) bool { return id > 0 }))

	if len(ids) > cs.cfg.SeenBatchCap {
		cs.log.Printf("seen batch from user %d in chat %d truncated from %d to %d ids",
			userId, chatId, len(ids), cs.cfg.SeenBatchCap)
		cs.stats.Incr(stats.SeenBatchesTruncated)
		ids = ids[:cs.cfg.SeenBatchCap]
	}

	return ids
}

// latestMessage picks the newest message, ties broken by id.
func latestMessage(msgs []database.Message) database.Message {
	return lo.MaxBy(msgs, func(a, b database.Message) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Id > b.Id
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// markSeen records one view per resolved message and moves the user's read
// pointer forward to the newest of them. The pointer is never moved back.
// It returns the ids that resolved to messages of the chat and whether the
// pointer advanced.
func (cs *ChatServer) markSeen(ctx context.Context, userId, chatId int, ids []int) ([]int, bool, error) {
	ids = cs.normalizeSeenBatch(userId, chatId, ids)
	if len(ids) == 0 {
		return nil, false, nil
	}

	var (
		seen     []int
		advanced bool
	)
	err := cs.db.WithTx(ctx, func(tx database.Tx) error {
		msgs, err := tx.GetMessagesByIds(ctx, chatId, ids)
		if err != nil {
			return fmt.Errorf("get messages: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		seen = lo.Map(msgs, func(m database.Message, _ int) int { return m.Id })
		if _, err := tx.InsertMessageViews(ctx, userId, seen, Now()); err != nil {
			return fmt.Errorf("insert views: %w", err)
		}

		latest := latestMessage(msgs)
		cur, err := tx.GetReadPointer(ctx, userId, chatId)
		switch {
		case err == nil:
			if !cur.LastSeenAt.Before(latest.CreatedAt) {
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("get read pointer: %w", err)
		}

		advanced, err = tx.UpsertReadPointer(ctx, database.UpsertReadPointerParams{
			UserId:        userId,
			ChatId:        chatId,
			LastSeenAt:    latest.CreatedAt,
			LastMessageId: latest.Id,
		})
		if err != nil {
			return fmt.Errorf("upsert read pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return seen, advanced, nil
}

func (cs *ChatServer) broadcastSeen(r *Room, c *Client, ids []int) {
	if len(ids) == 0 {
		return
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventMessagesSeen,
		Notification: &Notification{
			MessagesSeen: &MessagesSeen{
				ChatId:     r.chatId,
				MessageIds: ids,
				SeenByUser: c.user,
			},
		},
		SkipClient: c,
	})
}

// markSeenLocked runs markSeen and the resulting broadcast under the room's
// op lock so receipts are ordered with new messages.
func (cs *ChatServer) markSeenLocked(ctx context.Context, c *Client, r *Room, ids []int) (bool, error) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	seen, advanced, err := cs.markSeen(ctx, c.user.Id, r.chatId, ids)
	if err != nil {
		return false, err
	}

	cs.broadcastSeen(r, c, seen)
	return advanced, nil
}

// markSeenOnJoin treats the chat's latest page as read by the joining user.
func (cs *ChatServer) markSeenOnJoin(ctx context.Context, c *Client, r *Room) (bool, error) {
	latest, err := cs.db.PageMessages(ctx, r.chatId, nil, cs.cfg.JoinPageSize)
	if err != nil {
		return false, fmt.Errorf("page messages: %w", err)
	}
	if len(latest) == 0 {
		return false, nil
	}

	ids := lo.Map(latest, func(m database.Message, _ int) int { return m.Id })
	return cs.markSeenLocked(ctx, c, r, ids)
}

func (cs *ChatServer) handleRead(msg *ClientMessage) {
	c := msg.client

	r := c.getRoom(chatRoomId(msg.Read.ChatId))
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	advanced, err := cs.markSeenLocked(ctx, c, r, msg.Read.MessageIds)
	if err != nil {
		cs.log.Println("markSeen:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))

	if advanced {
		if err := cs.publishUnread(ctx, c.user.Id, r.chatId); err != nil {
			cs.log.Printf("publishUnread user %d chat %d: %v", c.user.Id, r.chatId, err)
		}
	}
}

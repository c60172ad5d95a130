package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/go-groupsync/internal/stats"
)

// unreadCount counts the chat's messages from other users newer than the
// user's read pointer, or all of them when the user has no pointer yet.
func (cs *ChatServer) unreadCount(ctx context.Context, userId, chatId int) (int, error) {
	p, err := cs.db.GetReadPointer(ctx, userId, chatId)
	if errors.Is(err, sql.ErrNoRows) {
		return cs.db.CountAllFromOthers(ctx, userId, chatId)
	}
	if err != nil {
		return 0, fmt.Errorf("get read pointer: %w", err)
	}

	return cs.db.CountUnseen(ctx, userId, chatId, p.LastSeenAt)
}

// publishUnread sends the user's current unread count for the chat to all of
// the user's connections.
func (cs *ChatServer) publishUnread(ctx context.Context, userId, chatId int) error {
	count, err := cs.unreadCount(ctx, userId, chatId)
	if err != nil {
		return err
	}

	cs.registry.SendToUser(userId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventUnreadCount,
		Notification: &Notification{
			UnreadCount: &UnreadCount{
				ChatId:      chatId,
				UserId:      userId,
				UnreadCount: count,
			},
		},
	})
	cs.stats.Incr(stats.UnreadCountsPublished)

	return nil
}

func (cs *ChatServer) handleUnread(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := cs.storeContext()
	defer cancel()

	chat, err := cs.db.GetChat(ctx, msg.Unread.ChatId)
	if errors.Is(err, sql.ErrNoRows) {
		c.queueMessage(ErrNotFound(msg.Id))
		return
	}
	if err != nil {
		cs.log.Println("GetChat:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	member, err := cs.isGroupMember(ctx, chat.GroupId, c.user.Id)
	if err != nil {
		cs.log.Println("ListGroupMembers:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}
	if !member {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	if err := cs.publishUnread(ctx, c.user.Id, chat.Id); err != nil {
		cs.log.Println("publishUnread:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

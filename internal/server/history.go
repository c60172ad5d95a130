package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/samber/lo"
)

func (cs *ChatServer) pageSize(requested int) int {
	switch {
	case requested <= 0:
		return cs.cfg.HistoryPageSize
	case requested > cs.cfg.MaxHistoryPage:
		return cs.cfg.MaxHistoryPage
	}
	return requested
}

// page returns up to limit messages of the chat, oldest-first. With a cursor
// only messages created strictly before the cursor message are returned; a
// cursor that does not resolve to a message of the chat yields an empty page.
func (cs *ChatServer) page(ctx context.Context, chatId, userId int, beforeMessageId *int, limit int) ([]types.Message, error) {
	var before *time.Time
	if beforeMessageId != nil {
		cursor, err := cs.db.GetMessage(ctx, *beforeMessageId)
		if errors.Is(err, sql.ErrNoRows) {
			return []types.Message{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get cursor: %w", err)
		}
		if cursor.ChatId != chatId {
			return []types.Message{}, nil
		}
		before = &cursor.CreatedAt
	}

	msgs, err := cs.db.PageMessages(ctx, chatId, before, cs.pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	if len(msgs) == 0 {
		return []types.Message{}, nil
	}
	slices.Reverse(msgs)

	ids := lo.Map(msgs, func(m database.Message, _ int) int { return m.Id })
	views, err := cs.db.GetViewsForMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get views: %w", err)
	}

	replies, err := cs.replyContexts(ctx, chatId, msgs)
	if err != nil {
		return nil, err
	}

	return lo.Map(msgs, func(m database.Message, _ int) types.Message {
		out := toMessage(m, replies[m.Id])
		cs.annotateViews(&out, userId, views[m.Id])
		return out
	}), nil
}

// replyContexts resolves the reply targets of a page, keyed by the replying
// message id. Targets outside the chat or no longer present are left out.
func (cs *ChatServer) replyContexts(ctx context.Context, chatId int, msgs []database.Message) (map[int]*types.ReplyContext, error) {
	byId := lo.KeyBy(msgs, func(m database.Message) int { return m.Id })
	replies := make(map[int]*types.ReplyContext)

	for _, m := range msgs {
		if m.ReplyToId == nil {
			continue
		}

		target, ok := byId[*m.ReplyToId]
		if !ok {
			t, err := cs.replyTarget(ctx, chatId, m.ReplyToId)
			if err != nil {
				return nil, fmt.Errorf("resolve reply: %w", err)
			}
			if t == nil {
				continue
			}
			target = *t
		}

		replies[m.Id] = toReplyContext(target)
	}

	return replies, nil
}

// annotateViews fills the seen fields of m as the requester sees them. The
// requester and the message's sender are not counted.
func (cs *ChatServer) annotateViews(m *types.Message, userId int, views []database.MessageView) {
	m.SeenByMe = lo.ContainsBy(views, func(v database.MessageView) bool { return v.UserId == userId })

	others := lo.Filter(views, func(v database.MessageView, _ int) bool {
		return v.UserId != userId && v.UserId != m.SenderId
	})
	m.SeenCount = len(others)

	if len(others) > cs.cfg.SeenPreviewSize {
		others = others[:cs.cfg.SeenPreviewSize]
	}
	m.SeenPreview = lo.Map(others, func(v database.MessageView, _ int) types.Viewer { return toViewer(v) })
}

func toViewer(v database.MessageView) types.Viewer {
	return types.Viewer{
		UserId:   v.UserId,
		Username: v.Username,
		SeenAt:   v.SeenAt,
	}
}

func (cs *ChatServer) handleHistory(msg *ClientMessage) {
	c := msg.client
	req := msg.History

	if c.getRoom(chatRoomId(req.ChatId)) == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	msgs, err := cs.page(ctx, req.ChatId, c.user.Id, req.BeforeMessageId, req.Limit)
	if err != nil {
		cs.log.Println("page:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	resp := NoErrOK(msg.Id, OlderMessages{ChatId: req.ChatId, Messages: msgs})
	resp.Event = EventOlderMessages
	c.queueMessage(resp)
}

func (cs *ChatServer) handleViews(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := cs.storeContext()
	defer cancel()

	m, err := cs.db.GetMessage(ctx, msg.Views.MessageId)
	if errors.Is(err, sql.ErrNoRows) {
		c.queueMessage(ErrNotFound(msg.Id))
		return
	}
	if err != nil {
		cs.log.Println("GetMessage:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	if c.getRoom(chatRoomId(m.ChatId)) == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	views, err := cs.db.GetMessageViews(ctx, m.Id)
	if err != nil {
		cs.log.Println("GetMessageViews:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	viewers := lo.FilterMap(views, func(v database.MessageView, _ int) (types.Viewer, bool) {
		return toViewer(v), v.UserId != m.SenderId
	})

	resp := NoErrOK(msg.Id, MessageViews{MessageId: m.Id, Views: viewers})
	resp.Event = EventMessageViews
	c.queueMessage(resp)
}

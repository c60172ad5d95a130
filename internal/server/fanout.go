package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/stats"
	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

func toMessage(m database.Message, reply *types.ReplyContext) types.Message {
	return types.Message{
		Id:          m.Id,
		ChatId:      m.ChatId,
		SenderId:    m.SenderId,
		Content:     m.Content,
		ReplyTo:     reply,
		SeenPreview: []types.Viewer{},
		Timestamp:   m.CreatedAt,
	}
}

func toReplyContext(m database.Message) *types.ReplyContext {
	return &types.ReplyContext{
		Id:       m.Id,
		SenderId: m.SenderId,
		Content:  m.Content,
	}
}

// newMessageVariants builds the payload the sender sees and the payload
// everyone else in the chat sees.
func newMessageVariants(m database.Message, reply *types.ReplyContext) (sender, others types.Message) {
	sender = toMessage(m, reply)
	sender.SeenByMe = true

	others = toMessage(m, reply)
	others.SeenByMe = false

	return sender, others
}

// replyTarget resolves a reply id to a message of the same chat. A miss
// yields nil and is not an error.
func (cs *ChatServer) replyTarget(ctx context.Context, chatId int, replyToId *int) (*database.Message, error) {
	if replyToId == nil || *replyToId <= 0 {
		return nil, nil
	}

	target, err := cs.db.GetMessage(ctx, *replyToId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if target.ChatId != chatId {
		return nil, nil
	}

	return &target, nil
}

// nextCreatedAt keeps message timestamps of a chat strictly increasing, so a
// timestamp alone orders the chat for paging and unread counting.
func nextCreatedAt(now, latest time.Time) time.Time {
	if now.After(latest) {
		return now
	}
	return latest.Add(time.Microsecond)
}

// stampMessage picks the new message's created_at and resolves its reply
// target, both inside the transaction that inserts it.
func stampMessage(ctx context.Context, tx database.Tx, params *database.CreateMessageParams, replyToId *int) (*database.Message, error) {
	params.CreatedAt = Now()
	latest, err := tx.LatestMessageTime(ctx, params.ChatId)
	switch {
	case err == nil:
		params.CreatedAt = nextCreatedAt(params.CreatedAt, latest)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("latest message time: %w", err)
	}

	if replyToId == nil || *replyToId <= 0 {
		return nil, nil
	}
	target, err := tx.GetReplyTarget(ctx, params.ChatId, *replyToId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reply target: %w", err)
	}
	params.ReplyToId = &target.Id

	return &target, nil
}

// submit persists a message together with its sender's view and delivers the
// two payload variants. The caller holds no room locks.
func (cs *ChatServer) submit(ctx context.Context, c *Client, r *Room, reqId int, p *Publish) (database.Message, error) {
	params := database.CreateMessageParams{
		ChatId:   r.chatId,
		SenderId: c.user.Id,
		Content:  p.Content,
	}

	r.opLock.Lock()
	defer r.opLock.Unlock()

	var (
		created database.Message
		reply   *types.ReplyContext
	)
	err := cs.db.WithTx(ctx, func(tx database.Tx) error {
		target, err := stampMessage(ctx, tx, &params, p.ReplyToId)
		if err != nil {
			return err
		}
		if target != nil {
			reply = toReplyContext(*target)
		}

		created, err = tx.CreateMessage(ctx, params)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		if _, err := tx.InsertMessageViews(ctx, c.user.Id, []int{created.Id}, created.CreatedAt); err != nil {
			return fmt.Errorf("record sender view: %w", err)
		}
		return nil
	})
	if err != nil {
		return database.Message{}, err
	}

	senderView, othersView := newMessageVariants(created, reply)

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: reqId, Timestamp: Now()},
		Event:       EventNewMessage,
		Message:     &senderView,
	})
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventNewMessage,
		Message:     &othersView,
		SkipClient:  c,
	})

	cs.stats.Incr(stats.MessagesSubmitted)

	return created, nil
}

func (cs *ChatServer) handlePublish(msg *ClientMessage) {
	c := msg.client

	r := c.getRoom(chatRoomId(msg.Publish.ChatId))
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	created, err := cs.submit(ctx, c, r, msg.Id, msg.Publish)
	if err != nil {
		cs.log.Println("submit:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	if err := cs.publishUnreadToMembers(ctx, r.groupId, created.ChatId, created.SenderId); err != nil {
		cs.log.Printf("publishUnreadToMembers chat %d: %v", created.ChatId, err)
	}
}

// publishUnreadToMembers pushes a fresh unread count to every connected
// member of the group other than the sender.
func (cs *ChatServer) publishUnreadToMembers(ctx context.Context, groupId, chatId, senderId int) error {
	members, err := cs.db.ListGroupMembers(ctx, groupId)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	recipients := lo.Filter(members, func(uid int, _ int) bool {
		return uid != senderId && cs.registry.IsConnected(uid)
	})

	var g errgroup.Group
	g.SetLimit(cs.cfg.UnreadWorkers)
	for _, uid := range recipients {
		g.Go(func() error {
			return cs.publishUnread(ctx, uid, chatId)
		})
	}

	return g.Wait()
}

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-groupsync/internal/config"
	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/stats"
	"golang.org/x/sync/singleflight"
)

var validate = validator.New()

// ChatServer is the group synchronization engine. Each connection's read
// goroutine calls into it synchronously; state shared between connections
// lives in the Registry.
type ChatServer struct {
	log      *log.Logger
	db       database.GroupSyncRepository
	stats    stats.StatsProvider
	cfg      config.SyncConfig
	registry *Registry
	// chats caches group id -> database.Chat once resolved.
	chats     sync.Map
	chatGroup singleflight.Group
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewChatServer(logger *log.Logger, db database.GroupSyncRepository, su stats.StatsProvider, cfg config.SyncConfig) (*ChatServer, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	for _, name := range stats.EngineMetrics {
		su.RegisterMetric(name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChatServer{
		log:      logger,
		db:       db,
		stats:    su,
		cfg:      cfg,
		registry: NewRegistry(logger, su),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("adding connection %q from user %d", c.id, c.user.Id)
	cs.registry.Register(c)
}

// DeregisterClient removes c from every room, updating presence, before it
// returns.
func (cs *ChatServer) DeregisterClient(c *Client) {
	cs.log.Printf("removing connection %q from user %d", c.id, c.user.Id)
	cs.registry.Disconnect(c)
}

// storeContext bounds a single operation's store calls.
func (cs *ChatServer) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(cs.ctx, cs.cfg.StoreTimeout)
}

// resolveChat returns the group's chat, creating it on first use. Concurrent
// first-time callers share one lookup/create.
func (cs *ChatServer) resolveChat(ctx context.Context, groupId int) (database.Chat, error) {
	if v, ok := cs.chats.Load(groupId); ok {
		return v.(database.Chat), nil
	}

	v, err, _ := cs.chatGroup.Do(strconv.Itoa(groupId), func() (any, error) {
		chat, err := cs.db.GetChatByGroup(ctx, groupId)
		if errors.Is(err, sql.ErrNoRows) {
			cs.log.Printf("creating chat for group %d", groupId)
			chat, err = cs.db.CreateChatForGroup(ctx, groupId)
		}
		if err != nil {
			return nil, err
		}

		cs.chats.Store(groupId, chat)
		return chat, nil
	})
	if err != nil {
		return database.Chat{}, err
	}

	return v.(database.Chat), nil
}

func (cs *ChatServer) isGroupMember(ctx context.Context, groupId, userId int) (bool, error) {
	members, err := cs.db.ListGroupMembers(ctx, groupId)
	if err != nil {
		return false, err
	}
	return slices.Contains(members, userId), nil
}

func (cs *ChatServer) dispatch(msg *ClientMessage) {
	payload := msg.payload()
	if payload == nil {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := validate.Struct(payload); err != nil {
		cs.log.Printf("invalid message from user %d: %v", msg.GetUserId(), err)
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	switch {
	case msg.Join != nil:
		cs.handleJoin(msg)
	case msg.Leave != nil:
		cs.handleLeave(msg)
	case msg.Publish != nil:
		cs.handlePublish(msg)
	case msg.Read != nil:
		cs.handleRead(msg)
	case msg.History != nil:
		cs.handleHistory(msg)
	case msg.Typing != nil:
		cs.handleTyping(msg)
	case msg.StopTyping != nil:
		cs.handleStopTyping(msg)
	case msg.Views != nil:
		cs.handleViews(msg)
	case msg.Unread != nil:
		cs.handleUnread(msg)
	case msg.Timer != nil:
		cs.handleTimer(msg)
	case msg.TimerTotal != nil:
		cs.handleTimerTotal(msg)
	}
}

func (cs *ChatServer) handleJoin(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := cs.storeContext()
	defer cancel()

	member, err := cs.isGroupMember(ctx, msg.Join.GroupId, c.user.Id)
	if err != nil {
		cs.log.Println("ListGroupMembers:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}
	if !member {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	chat, err := cs.resolveChat(ctx, msg.Join.GroupId)
	if err != nil {
		cs.log.Println("resolveChat:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	groupRoom := cs.registry.Join(c, groupRoomId(chat.GroupId), chat.GroupId, 0)
	chatRoom := cs.registry.Join(c, chatRoomId(chat.Id), chat.GroupId, chat.Id)

	c.queueMessage(NoErrOK(msg.Id, JoinResult{
		GroupId:     chat.GroupId,
		ChatId:      chat.Id,
		OnlineUsers: groupRoom.OnlineUsers(),
	}))

	if _, err := cs.markSeenOnJoin(ctx, c, chatRoom); err != nil {
		cs.log.Printf("markSeenOnJoin user %d chat %d: %v", c.user.Id, chat.Id, err)
	}
	if err := cs.publishUnread(ctx, c.user.Id, chat.Id); err != nil {
		cs.log.Printf("publishUnread user %d chat %d: %v", c.user.Id, chat.Id, err)
	}
}

func (cs *ChatServer) handleLeave(msg *ClientMessage) {
	c := msg.client
	groupId := msg.Leave.GroupId

	if chatRoom := cs.chatRoomForGroup(c, groupId); chatRoom != nil {
		cs.registry.Leave(c, chatRoom.id)
	}
	cs.registry.Leave(c, groupRoomId(groupId))

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (cs *ChatServer) chatRoomForGroup(c *Client, groupId int) *Room {
	v, ok := cs.chats.Load(groupId)
	if !ok {
		return nil
	}
	return c.getRoom(chatRoomId(v.(database.Chat).Id))
}

// Shutdown stops every connection and waits for them to deregister.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.cancel()

	for _, c := range cs.registry.clients() {
		c.stopClient()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for cs.registry.NumClients() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

package database

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/samber/lo"
)

type viewKey struct {
	userId    int
	messageId int
}

type pointerKey struct {
	userId int
	chatId int
}

// MemoryRepository is a GroupSyncRepository held entirely in process memory.
// It backs the -store=memory development mode and the engine tests.
type MemoryRepository struct {
	mu            sync.Mutex
	nextChatId    int
	nextMessageId int
	chats         map[int]Chat
	chatsByGroup  map[int]int
	members       map[int][]int
	usernames     map[int]string
	messages      map[int]Message
	views         map[viewKey]MessageView
	pointers      map[pointerKey]ReadPointer
	baselines     map[types.TimerSubject]int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chats:        make(map[int]Chat),
		chatsByGroup: make(map[int]int),
		members:      make(map[int][]int),
		usernames:    make(map[int]string),
		messages:     make(map[int]Message),
		views:        make(map[viewKey]MessageView),
		pointers:     make(map[pointerKey]ReadPointer),
		baselines:    make(map[types.TimerSubject]int64),
	}
}

// AddGroupMember records userId as a member of groupId.
func (m *MemoryRepository) AddGroupMember(groupId, userId int, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.members[groupId], userId) {
		m.members[groupId] = append(m.members[groupId], userId)
	}
	if _, ok := m.usernames[userId]; !ok || username != "" {
		m.usernames[userId] = username
	}
}

func (m *MemoryRepository) SetTimerBaseline(subject types.TimerSubject, seconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[subject] = seconds
}

// ViewCount reports the number of view rows held for a message.
func (m *MemoryRepository) ViewCount(messageId int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(lo.PickBy(m.views, func(k viewKey, _ MessageView) bool { return k.messageId == messageId }))
}

func (m *MemoryRepository) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryRepository) GetAccount(_ context.Context, userId int) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, ok := m.usernames[userId]
	if !ok {
		return Account{}, sql.ErrNoRows
	}
	return Account{Id: userId, Username: name}, nil
}

func (m *MemoryRepository) GetChatByGroup(_ context.Context, groupId int) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.chatsByGroup[groupId]
	if !ok {
		return Chat{}, sql.ErrNoRows
	}
	return m.chats[id], nil
}

func (m *MemoryRepository) CreateChatForGroup(_ context.Context, groupId int) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.chatsByGroup[groupId]; ok {
		return m.chats[id], nil
	}

	m.nextChatId++
	chat := Chat{Id: m.nextChatId, GroupId: groupId, CreatedAt: time.Now().UTC()}
	m.chats[chat.Id] = chat
	m.chatsByGroup[groupId] = chat.Id

	return chat, nil
}

// ChatCount reports how many chats exist for groupId.
func (m *MemoryRepository) ChatCount(groupId int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(lo.PickBy(m.chats, func(_ int, c Chat) bool { return c.GroupId == groupId }))
}

func (m *MemoryRepository) GetChat(_ context.Context, chatId int) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatId]
	if !ok {
		return Chat{}, sql.ErrNoRows
	}
	return chat, nil
}

func (m *MemoryRepository) ListGroupMembers(_ context.Context, groupId int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := slices.Clone(m.members[groupId])
	slices.Sort(members)
	return members, nil
}

func (m *MemoryRepository) GetMessage(_ context.Context, messageId int) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return Message{}, sql.ErrNoRows
	}
	return msg, nil
}

func newestFirst(a, b Message) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return b.Id - a.Id
}

func (m *MemoryRepository) PageMessages(_ context.Context, chatId int, before *time.Time, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	page := lo.Filter(lo.Values(m.messages), func(msg Message, _ int) bool {
		return msg.ChatId == chatId && (before == nil || msg.CreatedAt.Before(*before))
	})
	slices.SortFunc(page, newestFirst)

	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (m *MemoryRepository) GetMessageViews(ctx context.Context, messageId int) ([]MessageView, error) {
	views, err := m.GetViewsForMessages(ctx, []int{messageId})
	return views[messageId], err
}

func (m *MemoryRepository) GetViewsForMessages(_ context.Context, messageIds []int) (map[int][]MessageView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make(map[int][]MessageView, len(messageIds))
	for k, v := range m.views {
		if !slices.Contains(messageIds, k.messageId) {
			continue
		}
		v.Username = m.usernames[v.UserId]
		views[k.messageId] = append(views[k.messageId], v)
	}

	for id := range views {
		slices.SortFunc(views[id], func(a, b MessageView) int {
			if c := a.SeenAt.Compare(b.SeenAt); c != 0 {
				return c
			}
			return a.UserId - b.UserId
		})
	}

	return views, nil
}

func (m *MemoryRepository) GetReadPointer(_ context.Context, userId, chatId int) (ReadPointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pointers[pointerKey{userId, chatId}]
	if !ok {
		return ReadPointer{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *MemoryRepository) CountUnseen(_ context.Context, userId, chatId int, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.CountBy(lo.Values(m.messages), func(msg Message) bool {
		return msg.ChatId == chatId && msg.SenderId != userId && msg.CreatedAt.After(after)
	}), nil
}

func (m *MemoryRepository) CountAllFromOthers(_ context.Context, userId, chatId int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.CountBy(lo.Values(m.messages), func(msg Message) bool {
		return msg.ChatId == chatId && msg.SenderId != userId
	}), nil
}

func (m *MemoryRepository) GetTimerBaseline(_ context.Context, subject types.TimerSubject) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.baselines[subject], nil
}

// WithTx serializes transactions on the repository lock. Writes are staged in
// the memTx and only applied when fn succeeds.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		repo:     m,
		messages: make(map[int]Message),
		views:    make(map[viewKey]MessageView),
		pointers: make(map[pointerKey]ReadPointer),
	}

	if err := fn(tx); err != nil {
		return err
	}

	for id, msg := range tx.messages {
		m.messages[id] = msg
	}
	for k, v := range tx.views {
		m.views[k] = v
	}
	for k, p := range tx.pointers {
		m.pointers[k] = p
	}

	return nil
}

type memTx struct {
	repo     *MemoryRepository
	messages map[int]Message
	views    map[viewKey]MessageView
	pointers map[pointerKey]ReadPointer
}

func (t *memTx) message(id int) (Message, bool) {
	if msg, ok := t.messages[id]; ok {
		return msg, true
	}
	msg, ok := t.repo.messages[id]
	return msg, ok
}

func (t *memTx) LatestMessageTime(_ context.Context, chatId int) (time.Time, error) {
	var (
		latest time.Time
		found  bool
	)
	for _, msgs := range []map[int]Message{t.repo.messages, t.messages} {
		for _, msg := range msgs {
			if msg.ChatId == chatId && (!found || msg.CreatedAt.After(latest)) {
				latest, found = msg.CreatedAt, true
			}
		}
	}
	if !found {
		return time.Time{}, sql.ErrNoRows
	}
	return latest, nil
}

func (t *memTx) GetReplyTarget(_ context.Context, chatId, messageId int) (Message, error) {
	msg, ok := t.message(messageId)
	if !ok || msg.ChatId != chatId {
		return Message{}, sql.ErrNoRows
	}
	return msg, nil
}

func (t *memTx) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	t.repo.nextMessageId++
	msg := Message{
		Id:        t.repo.nextMessageId,
		ChatId:    params.ChatId,
		SenderId:  params.SenderId,
		Content:   params.Content,
		ReplyToId: params.ReplyToId,
		CreatedAt: params.CreatedAt,
		UpdatedAt: params.CreatedAt,
	}
	t.messages[msg.Id] = msg

	return msg, nil
}

func (t *memTx) GetMessagesByIds(_ context.Context, chatId int, messageIds []int) ([]Message, error) {
	found := make([]Message, 0, len(messageIds))
	for _, id := range lo.Uniq(messageIds) {
		if msg, ok := t.message(id); ok && msg.ChatId == chatId {
			found = append(found, msg)
		}
	}
	slices.SortFunc(found, func(a, b Message) int { return newestFirst(b, a) })

	return found, nil
}

func (t *memTx) InsertMessageViews(_ context.Context, userId int, messageIds []int, seenAt time.Time) (int, error) {
	inserted := 0
	for _, id := range lo.Uniq(messageIds) {
		k := viewKey{userId: userId, messageId: id}
		if _, ok := t.views[k]; ok {
			continue
		}
		if _, ok := t.repo.views[k]; ok {
			continue
		}
		t.views[k] = MessageView{UserId: userId, MessageId: id, SeenAt: seenAt}
		inserted++
	}

	return inserted, nil
}

func (t *memTx) GetReadPointer(_ context.Context, userId, chatId int) (ReadPointer, error) {
	k := pointerKey{userId, chatId}
	if p, ok := t.pointers[k]; ok {
		return p, nil
	}
	if p, ok := t.repo.pointers[k]; ok {
		return p, nil
	}
	return ReadPointer{}, sql.ErrNoRows
}

func (t *memTx) UpsertReadPointer(ctx context.Context, params UpsertReadPointerParams) (bool, error) {
	cur, err := t.GetReadPointer(ctx, params.UserId, params.ChatId)
	if err == nil && !cur.LastSeenAt.Before(params.LastSeenAt) {
		return false, nil
	}

	t.pointers[pointerKey{params.UserId, params.ChatId}] = ReadPointer{
		UserId:        params.UserId,
		ChatId:        params.ChatId,
		LastSeenAt:    params.LastSeenAt,
		LastMessageId: params.LastMessageId,
		UpdatedAt:     time.Now().UTC(),
	}

	return true, nil
}

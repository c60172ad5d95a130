package server

import (
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/go-groupsync/internal/stats"
	"github.com/samber/lo"
)

func groupRoomId(groupId int) string {
	return fmt.Sprintf("group:%d", groupId)
}

func chatRoomId(chatId int) string {
	return fmt.Sprintf("chat:%d", chatId)
}

// Room is a broadcast scope: either a group's presence room or a chat's
// message room. Membership is guarded by clientLock; opLock serializes the
// events whose delivery order must match their processing order.
type Room struct {
	id      string
	groupId int
	chatId  int
	clients map[*Client]struct{}
	// userMap tracks every connection per user so presence is the union of a
	// user's devices.
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex
	opLock     sync.Mutex
	closed     bool
	log        *log.Logger
}

func newRoom(id string, groupId, chatId int, logger *log.Logger) *Room {
	return &Room{
		id:      id,
		groupId: groupId,
		chatId:  chatId,
		clients: make(map[*Client]struct{}),
		userMap: make(map[int]map[*Client]struct{}),
		log:     logger,
	}
}

// addClient reports whether the client's user was not present before.
func (r *Room) addClient(c *Client) bool {
	r.clients[c] = struct{}{}

	arrived := r.userMap[c.user.Id] == nil
	if arrived {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	return arrived
}

// removeClient reports whether the client was in the room and whether its
// user has no connections left in it.
func (r *Room) removeClient(c *Client) (found, departed bool) {
	if _, ok := r.clients[c]; !ok {
		return false, false
	}

	delete(r.clients, c)
	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
			departed = true
		}
	}

	return true, departed
}

func (r *Room) onlineUsers() []int {
	ids := lo.Keys(r.userMap)
	slices.Sort(ids)
	return ids
}

func (r *Room) OnlineUsers() []int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return r.onlineUsers()
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	_, ok := r.clients[c]
	return ok
}

// broadcastPresence must be called with clientLock held.
func (r *Room) broadcastPresence() {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventOnlineUsers,
		Notification: &Notification{
			OnlineUsers: &OnlineUsers{
				RoomId:  r.id,
				UserIds: r.onlineUsers(),
			},
		},
	}

	for client := range r.clients {
		client.queueMessage(msg)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}

// Registry owns every live connection: which rooms each one joined and, per
// user, which connections are open. Rooms are locked individually; the room
// index is only held long enough to find or create a room.
type Registry struct {
	log       *log.Logger
	stats     stats.StatsProvider
	rooms     map[string]*Room
	roomsLock sync.Mutex
	users     map[int]map[*Client]struct{}
	usersLock sync.RWMutex
}

func NewRegistry(logger *log.Logger, su stats.StatsProvider) *Registry {
	return &Registry{
		log:   logger,
		stats: su,
		rooms: make(map[string]*Room),
		users: make(map[int]map[*Client]struct{}),
	}
}

func (reg *Registry) Register(c *Client) {
	reg.usersLock.Lock()
	defer reg.usersLock.Unlock()

	if reg.users[c.user.Id] == nil {
		reg.users[c.user.Id] = make(map[*Client]struct{})
	}
	if _, ok := reg.users[c.user.Id][c]; !ok {
		reg.users[c.user.Id][c] = struct{}{}
		reg.stats.Incr(stats.ActiveClients)
	}
}

func (reg *Registry) unregister(c *Client) {
	reg.usersLock.Lock()
	defer reg.usersLock.Unlock()

	userClients, ok := reg.users[c.user.Id]
	if !ok {
		return
	}
	if _, ok := userClients[c]; !ok {
		return
	}

	delete(userClients, c)
	if len(userClients) == 0 {
		delete(reg.users, c.user.Id)
	}
	reg.stats.Decr(stats.ActiveClients)
}

func (reg *Registry) room(id string) *Room {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()
	return reg.rooms[id]
}

func (reg *Registry) roomFor(id string, groupId, chatId int) *Room {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	r, ok := reg.rooms[id]
	if !ok {
		r = newRoom(id, groupId, chatId, reg.log)
		reg.rooms[id] = r
		reg.stats.Incr(stats.ActiveRooms)
	}
	return r
}

func (reg *Registry) dropRoom(r *Room) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
		reg.stats.Decr(stats.ActiveRooms)
		reg.log.Printf("no clients in %q, room unloaded", r.id)
	}
}

// Join adds c to the room, creating it on first use. Joining again is a no-op
// for presence but still records the room on the client. The room's online
// set is broadcast when the user was not present before.
func (reg *Registry) Join(c *Client, id string, groupId, chatId int) *Room {
	for {
		r := reg.roomFor(id, groupId, chatId)

		r.clientLock.Lock()
		if r.closed {
			// lost a race with the last client leaving; look the room up again
			r.clientLock.Unlock()
			continue
		}

		if r.addClient(c) {
			r.log.Printf("user %d is now online in %q", c.user.Id, r.id)
			r.broadcastPresence()
		}
		c.addRoom(r)
		r.clientLock.Unlock()

		return r
	}
}

// Leave removes c from the room. Unknown rooms and connections are ignored.
func (reg *Registry) Leave(c *Client, id string) {
	r := c.getRoom(id)
	if r == nil {
		return
	}

	reg.leave(c, r)
}

func (reg *Registry) leave(c *Client, r *Room) {
	r.clientLock.Lock()
	found, departed := r.removeClient(c)
	if departed {
		r.log.Printf("user %d is now offline in %q", c.user.Id, r.id)
		r.broadcastPresence()
	}
	empty := len(r.clients) == 0
	if empty {
		r.closed = true
	}
	r.clientLock.Unlock()

	if found {
		c.delRoom(r.id)
	}
	if empty {
		reg.dropRoom(r)
	}
}

// Disconnect removes c from every room it joined and from the user index
// before returning.
func (reg *Registry) Disconnect(c *Client) {
	for _, r := range c.joinedRooms() {
		reg.leave(c, r)
	}
	reg.unregister(c)
}

// SendToUser queues msg on every open connection of userId.
func (reg *Registry) SendToUser(userId int, msg *ServerMessage) int {
	reg.usersLock.RLock()
	defer reg.usersLock.RUnlock()

	sent := 0
	for c := range reg.users[userId] {
		if c.queueMessage(msg) {
			sent++
		}
	}
	return sent
}

func (reg *Registry) IsConnected(userId int) bool {
	reg.usersLock.RLock()
	defer reg.usersLock.RUnlock()
	return len(reg.users[userId]) > 0
}

// Presence returns the online user ids of a room, sorted.
func (reg *Registry) Presence(id string) []int {
	r := reg.room(id)
	if r == nil {
		return []int{}
	}
	return r.OnlineUsers()
}

func (reg *Registry) clients() []*Client {
	reg.usersLock.RLock()
	defer reg.usersLock.RUnlock()

	var all []*Client
	for _, userClients := range reg.users {
		all = append(all, lo.Keys(userClients)...)
	}
	return all
}

func (reg *Registry) NumClients() int {
	reg.usersLock.RLock()
	defer reg.usersLock.RUnlock()
	return lo.SumBy(lo.Values(reg.users), func(m map[*Client]struct{}) int { return len(m) })
}

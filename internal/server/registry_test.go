package server

import (
	"sync"
	"testing"

	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/stats"
	"github.com/npezzotti/go-groupsync/internal/testutil"
	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository())
	c := newTestClient(cs, 1, "alice")

	r1 := cs.registry.Join(c, "group:1", 1, 0)
	r2 := cs.registry.Join(c, "group:1", 1, 0)

	assert.Same(t, r1, r2)
	assert.Equal(t, []int{1}, cs.registry.Presence("group:1"))
	assert.Len(t, eventsOf(testutil.Drain(c.send), EventOnlineUsers), 1, "expected a single presence broadcast")
}

func TestRegistry_LeaveUnknown(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository())
	c := newTestClient(cs, 1, "alice")
	other := newTestClient(cs, 2, "bob")
	cs.registry.Join(other, "group:1", 1, 0)

	assert.NotPanics(t, func() {
		cs.registry.Leave(c, "group:1")
		cs.registry.Leave(c, "group:404")
	})
	assert.Equal(t, []int{2}, cs.registry.Presence("group:1"), "expected a stranger's leave to change nothing")
	assert.Equal(t, []int{}, cs.registry.Presence("group:404"))
}

func TestRegistry_RoomStats(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("Incr", stats.ActiveClients).Once()
	su.On("Incr", stats.ActiveRooms).Once()
	su.On("Decr", stats.ActiveRooms).Once()
	su.On("Decr", stats.ActiveClients).Once()

	cs := newTestChatServer(t, database.NewMemoryRepository())
	reg := NewRegistry(testutil.TestLogger(t), su)
	c := NewClient(types.User{Id: 1, Username: "alice"}, nil, cs, cs.log)

	reg.Register(c)
	reg.Register(c)
	reg.Join(c, "group:1", 1, 0)
	assert.Equal(t, 1, reg.NumClients())

	reg.Disconnect(c)
	assert.Nil(t, reg.room("group:1"))
	assert.Zero(t, reg.NumClients())
	assert.Empty(t, c.joinedRooms())
}

func TestRegistry_SendToUser(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository())
	phone := newTestClient(cs, 1, "alice")
	laptop := newTestClient(cs, 1, "alice")
	bob := newTestClient(cs, 2, "bob")

	sent := cs.registry.SendToUser(1, &ServerMessage{Event: EventUnreadCount})

	assert.Equal(t, 2, sent)
	assert.Len(t, testutil.Drain(phone.send), 1)
	assert.Len(t, testutil.Drain(laptop.send), 1)
	assert.Empty(t, testutil.Drain(bob.send))
	assert.True(t, cs.registry.IsConnected(1))
	assert.False(t, cs.registry.IsConnected(3))
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(cs, i%5+1, "")
			cs.registry.Join(c, "group:1", 1, 0)
			cs.DeregisterClient(c)
		}()
	}
	wg.Wait()

	assert.Nil(t, cs.registry.room("group:1"), "expected the room to be unloaded once everyone left")
	assert.Zero(t, cs.registry.NumClients())
}

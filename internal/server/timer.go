package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/go-groupsync/internal/types"
)

var timerEvents = map[string]string{
	TimerStart: EventTimerStarted,
	TimerTick:  EventTimerTick,
	TimerStop:  EventTimerStopped,
}

func timerNotice(t *TimerAction) *TimerNotice {
	n := &TimerNotice{
		GroupId:  t.GroupId,
		Subject:  t.Subject,
		Baseline: t.Baseline,
	}

	switch t.Action {
	case TimerStart:
		start := t.StartTime.UTC()
		if t.StartTime.IsZero() {
			start = Now()
		}
		n.StartTime = &start
	case TimerTick, TimerStop:
		n.Elapsed = t.Elapsed
	}

	return n
}

// handleTimer relays a timer transition to everyone in the group room,
// including the sender's own connections. Members may only drive their own
// personal timer.
func (cs *ChatServer) handleTimer(msg *ClientMessage) {
	c := msg.client
	t := msg.Timer

	r := c.getRoom(groupRoomId(t.GroupId))
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	if t.Subject.Kind == types.SubjectUser && t.Subject.Id != c.user.Id {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	r.opLock.Lock()
	r.broadcast(&ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Event:        timerEvents[t.Action],
		Notification: &Notification{Timer: timerNotice(t)},
	})
	r.opLock.Unlock()

	c.queueMessage(NoErrAccepted(msg.Id))
}

// ErrNotGroupMember is returned when the viewer, or the user a timer belongs
// to, is not a member of the group the timer is read through.
var ErrNotGroupMember = errors.New("not a group member")

// TimerBaseline returns the durable total for a subject, for consumers that
// arrive after the timer started. The viewer must belong to groupId, and a
// personal timer can only be read through a group its owner belongs to.
func (cs *ChatServer) TimerBaseline(ctx context.Context, viewerId, groupId int, subject types.TimerSubject) (int64, error) {
	if err := validate.Struct(subject); err != nil {
		return 0, fmt.Errorf("invalid subject: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cs.cfg.StoreTimeout)
	defer cancel()

	members, err := cs.db.ListGroupMembers(ctx, groupId)
	if err != nil {
		return 0, fmt.Errorf("list group members: %w", err)
	}
	if !slices.Contains(members, viewerId) {
		return 0, ErrNotGroupMember
	}
	if subject.Kind == types.SubjectUser && !slices.Contains(members, subject.Id) {
		return 0, ErrNotGroupMember
	}

	return cs.db.GetTimerBaseline(ctx, subject)
}

func (cs *ChatServer) handleTimerTotal(msg *ClientMessage) {
	c := msg.client
	req := msg.TimerTotal

	if c.getRoom(groupRoomId(req.GroupId)) == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	baseline, err := cs.TimerBaseline(cs.ctx, c.user.Id, req.GroupId, req.Subject)
	if errors.Is(err, ErrNotGroupMember) {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}
	if err != nil {
		cs.log.Println("TimerBaseline:", err)
		c.queueMessage(ErrStore(msg.Id, err))
		return
	}

	resp := NoErrOK(msg.Id, TimerTotalResult{Subject: req.Subject, Baseline: baseline})
	resp.Event = EventTimerTotal
	c.queueMessage(resp)
}

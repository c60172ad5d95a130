package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-groupsync/internal/types"
)

// Outbound event names.
const (
	EventOnlineUsers    = "online-users"
	EventNewMessage     = "newMessage"
	EventOlderMessages  = "olderMessages"
	EventMessagesSeen   = "messagesSeen"
	EventMessageViews   = "messageViews"
	EventUserTyping     = "userTyping"
	EventUserStopTyping = "userStopTyping"
	EventUnreadCount    = "chat:updateUnreadCount"
	EventTimerStarted   = "timer-started"
	EventTimerStopped   = "timer-stopped"
	EventTimerTick      = "timer-tick"
	EventTimerTotal     = "timer-total"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join       *Join        `json:"join,omitempty"`
	Leave      *Leave       `json:"leave,omitempty"`
	Publish    *Publish     `json:"publish,omitempty"`
	Read       *Read        `json:"read,omitempty"`
	History    *History     `json:"history,omitempty"`
	Typing     *Typing      `json:"typing,omitempty"`
	StopTyping *StopTyping  `json:"stop_typing,omitempty"`
	Views      *Views       `json:"views,omitempty"`
	Unread     *Unread      `json:"unread,omitempty"`
	Timer      *TimerAction `json:"timer,omitempty"`
	TimerTotal *TimerTotal  `json:"timer_total,omitempty"`
	UserId     int          `json:"-"`
	client     *Client      `json:"-"`
}

func (cm *ClientMessage) GetUserId() int {
	if cm.UserId != 0 {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.Id
	}
	return 0
}

// payload returns the single request body the message carries, or nil when
// it carries none.
func (cm *ClientMessage) payload() any {
	switch {
	case cm.Join != nil:
		return cm.Join
	case cm.Leave != nil:
		return cm.Leave
	case cm.Publish != nil:
		return cm.Publish
	case cm.Read != nil:
		return cm.Read
	case cm.History != nil:
		return cm.History
	case cm.Typing != nil:
		return cm.Typing
	case cm.StopTyping != nil:
		return cm.StopTyping
	case cm.Views != nil:
		return cm.Views
	case cm.Unread != nil:
		return cm.Unread
	case cm.Timer != nil:
		return cm.Timer
	case cm.TimerTotal != nil:
		return cm.TimerTotal
	}
	return nil
}

type Join struct {
	GroupId int `json:"group_id" validate:"required,gt=0"`
}

type Leave struct {
	GroupId int `json:"group_id" validate:"required,gt=0"`
}

type Publish struct {
	ChatId    int    `json:"chat_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required,max=4000"`
	ReplyToId *int   `json:"reply_to_id,omitempty"`
}

type Read struct {
	ChatId     int   `json:"chat_id" validate:"required,gt=0"`
	MessageIds []int `json:"message_ids" validate:"required,min=1"`
}

type History struct {
	ChatId          int  `json:"chat_id" validate:"required,gt=0"`
	BeforeMessageId *int `json:"before_message_id,omitempty"`
	Limit           int  `json:"limit,omitempty" validate:"min=0"`
}

type Typing struct {
	ChatId   int    `json:"chat_id" validate:"required,gt=0"`
	UserName string `json:"user_name" validate:"max=100"`
}

type StopTyping struct {
	ChatId int `json:"chat_id" validate:"required,gt=0"`
}

type Views struct {
	MessageId int `json:"message_id" validate:"required,gt=0"`
}

type Unread struct {
	ChatId int `json:"chat_id" validate:"required,gt=0"`
}

const (
	TimerStart = "start"
	TimerTick  = "tick"
	TimerStop  = "stop"
)

type TimerAction struct {
	GroupId   int                `json:"group_id" validate:"required,gt=0"`
	Action    string             `json:"action" validate:"required,oneof=start tick stop"`
	Subject   types.TimerSubject `json:"subject"`
	StartTime time.Time          `json:"start_time"`
	Baseline  int64              `json:"baseline" validate:"min=0"`
	Elapsed   int64              `json:"elapsed" validate:"min=0"`
}

type TimerTotal struct {
	GroupId int                `json:"group_id" validate:"required,gt=0"`
	Subject types.TimerSubject `json:"subject"`
}

type ServerMessage struct {
	BaseMessage
	Event        string         `json:"event,omitempty"`
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	OnlineUsers  *OnlineUsers  `json:"online_users,omitempty"`
	MessagesSeen *MessagesSeen `json:"messages_seen,omitempty"`
	Typing       *TypingNotice `json:"typing,omitempty"`
	UnreadCount  *UnreadCount  `json:"unread_count,omitempty"`
	Timer        *TimerNotice  `json:"timer,omitempty"`
}

type OnlineUsers struct {
	RoomId  string `json:"room_id"`
	UserIds []int  `json:"user_ids"`
}

type MessagesSeen struct {
	ChatId     int        `json:"chat_id"`
	MessageIds []int      `json:"message_ids"`
	SeenByUser types.User `json:"seen_by_user"`
}

type TypingNotice struct {
	ChatId   int    `json:"chat_id"`
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type UnreadCount struct {
	ChatId      int `json:"chat_id"`
	UserId      int `json:"user_id"`
	UnreadCount int `json:"unread_count"`
}

// TimerNotice carries the three numbers consumers reconcile against:
// baseline + max(0, now - start_time) while running, elapsed once stopped.
type TimerNotice struct {
	GroupId   int                `json:"group_id"`
	Subject   types.TimerSubject `json:"subject"`
	StartTime *time.Time         `json:"start_time,omitempty"`
	Baseline  int64              `json:"baseline"`
	Elapsed   int64              `json:"elapsed"`
}

type JoinResult struct {
	GroupId     int   `json:"group_id"`
	ChatId      int   `json:"chat_id"`
	OnlineUsers []int `json:"online_users"`
}

type OlderMessages struct {
	ChatId   int             `json:"chat_id"`
	Messages []types.Message `json:"messages"`
}

type MessageViews struct {
	MessageId int            `json:"message_id"`
	Views     []types.Viewer `json:"views"`
}

type TimerTotalResult struct {
	Subject  types.TimerSubject `json:"subject"`
	Baseline int64              `json:"baseline"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, text string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "not found")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

// ErrStore maps a failed store call to a response. A call that ran out of
// time is reported as unavailable so the client can retry.
func ErrStore(id int, err error) *ServerMessage {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrServiceUnavailable(id)
	}
	return ErrInternalError(id)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

// Now is the server clock at the precision Postgres stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

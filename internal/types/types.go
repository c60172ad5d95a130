package types

import (
	"time"
)

type User struct {
	Id       int    `json:"id"`
	Username string `json:"username,omitempty"`
}

// ReplyContext is the quoted message a reply points at.
type ReplyContext struct {
	Id       int    `json:"id"`
	SenderId int    `json:"sender_id"`
	Content  string `json:"content"`
}

type Viewer struct {
	UserId   int       `json:"user_id"`
	Username string    `json:"username,omitempty"`
	SeenAt   time.Time `json:"seen_at"`
}

// Message is a chat message as delivered to a particular recipient. The seen
// fields are relative to that recipient.
type Message struct {
	Id          int           `json:"id"`
	ChatId      int           `json:"chat_id"`
	SenderId    int           `json:"sender_id"`
	Content     string        `json:"content"`
	ReplyTo     *ReplyContext `json:"reply_to,omitempty"`
	SeenByMe    bool          `json:"seen_by_me"`
	SeenCount   int           `json:"seen_count"`
	SeenPreview []Viewer      `json:"seen_preview"`
	Timestamp   time.Time     `json:"timestamp"`
}

type SubjectKind string

const (
	SubjectUser     SubjectKind = "user"
	SubjectActivity SubjectKind = "activity"
)

// TimerSubject identifies whose timer an event is about: a member's personal
// focus timer or a shared group activity timer.
type TimerSubject struct {
	Kind SubjectKind `json:"kind" validate:"required,oneof=user activity"`
	Id   int         `json:"id" validate:"required,gt=0"`
}

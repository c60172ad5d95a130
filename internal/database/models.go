package database

import "time"

// Account is the slice of the CRUD service's account row the engine reads.
type Account struct {
	Id       int
	Username string
}

type Chat struct {
	Id        int
	GroupId   int
	CreatedAt time.Time
}

type Message struct {
	Id        int
	ChatId    int
	SenderId  int
	Content   string
	ReplyToId *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MessageView struct {
	UserId    int
	MessageId int
	Username  string
	SeenAt    time.Time
}

// ReadPointer is the per (user, chat) read cursor. LastMessageId is zero when
// the pointer was never tied to a message.
type ReadPointer struct {
	UserId        int
	ChatId        int
	LastSeenAt    time.Time
	LastMessageId int
	UpdatedAt     time.Time
}

type CreateMessageParams struct {
	ChatId    int
	SenderId  int
	Content   string
	ReplyToId *int
	CreatedAt time.Time
}

type UpsertReadPointerParams struct {
	UserId        int
	ChatId        int
	LastSeenAt    time.Time
	LastMessageId int
}

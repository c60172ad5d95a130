package server

func (cs *ChatServer) handleTyping(msg *ClientMessage) {
	c := msg.client

	r := c.getRoom(chatRoomId(msg.Typing.ChatId))
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	name := msg.Typing.UserName
	if name == "" {
		name = c.user.Username
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventUserTyping,
		Notification: &Notification{
			Typing: &TypingNotice{
				ChatId:   r.chatId,
				UserId:   c.user.Id,
				UserName: name,
			},
		},
		SkipClient: c,
	})
}

func (cs *ChatServer) handleStopTyping(msg *ClientMessage) {
	c := msg.client

	r := c.getRoom(chatRoomId(msg.StopTyping.ChatId))
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventUserStopTyping,
		Notification: &Notification{
			Typing: &TypingNotice{
				ChatId: r.chatId,
				UserId: c.user.Id,
			},
		},
		SkipClient: c,
	})
}

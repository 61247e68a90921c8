package telegram

import "encoding/json"

// Update is one event from the chat platform. Message is nil for update
// kinds the bridge does not handle.
type Update struct {
	ID      int64
	Message *Message
	Raw     json.RawMessage
}

// Message is a chat message with ids rendered as strings. Text is empty for
// non-text messages (stickers, photos without caption, service messages).
type Message struct {
	FromUserID    string
	FromUsername  string
	FromFirstName string
	ChatID        string
	ChatType      string
	ChatTitle     string
	ChatUsername  string
	Text          string
}

// RoomName is the best human-readable name for the chat: group title,
// then @username, then the sender's first name for private chats.
func (m *Message) RoomName() string {
	switch {
	case m.ChatTitle != "":
		return m.ChatTitle
	case m.ChatUsername != "":
		return "@" + m.ChatUsername
	default:
		return m.FromFirstName
	}
}

package bot

import (
	"context"
	"log/slog"

	"git.skobk.in/skobkin/telegram-plaza-bridge/platform"
	"git.skobk.in/skobkin/telegram-plaza-bridge/storage"
)

const (
	NewMessageEventKey  = "on_new_message"
	FunctionSendMessage = "send_message"
)

type Store interface {
	IsChatUserRegistered(ctx context.Context, externalUserID string) (bool, error)
	RegisterUser(ctx context.Context, externalUserID, externalPlatformUserID string) error
	AddUserToRoom(ctx context.Context, externalUserID, externalRoomID, roomName string) error
	ListPlatformUsersForChatUser(ctx context.Context, externalUserID string) ([]string, error)
	ListChatUsersForPlatformUser(ctx context.Context, externalPlatformUserID string) ([]string, error)
	ListRoomsForPlatformUser(ctx context.Context, externalPlatformUserID string) ([]storage.RoomListing, error)
}

type Sender interface {
	SendMessage(ctx context.Context, roomID, text string) error
}

type Emitter interface {
	EmitEvent(ctx context.Context, event platform.Event) error
}

type Config struct {
	// BotName is the bot's username without "@", used to accept
	// "/register@BotName" in groups and in registration instructions.
	BotName          string
	MaintainerHandle string
}

// Bot routes chat messages by registration status and serves the
// platform's calls back into the chat.
type Bot struct {
	store   Store
	sender  Sender
	emitter Emitter
	config  Config
}

func New(store Store, sender Sender, emitter Emitter, cfg Config) *Bot {
	return &Bot{
		store:   store,
		sender:  sender,
		emitter: emitter,
		config:  cfg,
	}
}

// reply sends a message to the room. Send failures are logged and not
// returned: a lost reply must not stop update processing.
func (b *Bot) reply(ctx context.Context, roomID, text string) {
	if err := b.sender.SendMessage(ctx, roomID, text); err != nil {
		slog.Error("bot: Cannot send reply", "error", err, "room_id", roomID)
	}
}

package bot

import (
	"context"
	"fmt"
	"log/slog"

	"git.skobk.in/skobkin/telegram-plaza-bridge/platform"
)

// HandleCall dispatches a platform function call by name.
func (b *Bot) HandleCall(ctx context.Context, functionName string, args []string, callerPlatformUserID string) (any, error) {
	switch functionName {
	case FunctionSendMessage:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s expects room id and text, got %d arguments",
				platform.ErrBadArguments, functionName, len(args))
		}
		return nil, b.SendMessage(ctx, args[0], args[1])
	default:
		slog.Info("bot: Unsupported function called", "function", functionName, "platform_user_id", callerPlatformUserID)
		return nil, fmt.Errorf("%w: %q", platform.ErrNotSupported, functionName)
	}
}

// SendMessage forwards text to a chat room.
func (b *Bot) SendMessage(ctx context.Context, roomID, text string) error {
	if err := b.sender.SendMessage(ctx, roomID, text); err != nil {
		return fmt.Errorf("%w: %w", platform.ErrDelivery, err)
	}
	return nil
}

// HandleDataCallback lists the rooms the caller's chat identities have
// spoken in, keyed by room id.
func (b *Bot) HandleDataCallback(ctx context.Context, callbackName, callerPlatformUserID string) (map[string]platform.RoomInfo, error) {
	chatUsers, err := b.store.ListChatUsersForPlatformUser(ctx, callerPlatformUserID)
	if err != nil {
		return nil, err
	}

	result := map[string]platform.RoomInfo{}
	if len(chatUsers) == 0 {
		slog.Debug("bot: Data callback for platform user without chat users", "callback", callbackName,
			"platform_user_id", callerPlatformUserID)
		return result, nil
	}

	rooms, err := b.store.ListRoomsForPlatformUser(ctx, callerPlatformUserID)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		result[room.ExternalRoomID] = platform.RoomInfo{Name: room.RoomName}
	}

	slog.Debug("bot: Data callback served", "callback", callbackName, "platform_user_id", callerPlatformUserID,
		"chat_users", len(chatUsers), "rooms", len(result))
	return result, nil
}

// RegistrationInstructions is the call-to-action the platform shows a user
// who has not linked a chat account yet.
func (b *Bot) RegistrationInstructions(platformUserID string) string {
	if b.config.BotName == "" {
		return fmt.Sprintf("Send the following to the Telegram bot: %s %s", registerCommand, platformUserID)
	}
	return fmt.Sprintf("Send the following to @%s (https://t.me/%s): %s %s",
		b.config.BotName, b.config.BotName, registerCommand, platformUserID)
}

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"git.skobk.in/skobkin/telegram-plaza-bridge/platform"
	"git.skobk.in/skobkin/telegram-plaza-bridge/telegram"
)

const (
	registerCommand     = "/register"
	maxPlatformUserIDLn = 64
)

// eventNamespace seeds the UUIDv5 ids of emitted events, so a redelivered
// update produces the same event id for each platform user.
var eventNamespace = uuid.MustParse("5b0f7a52-2f1c-4f0e-9d7c-3c1b8f0e6a41")

// HandleUpdate is the per-message state machine. Registration status is
// read from the store on every message and never cached.
func (b *Bot) HandleUpdate(ctx context.Context, update telegram.Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.FromUserID == "" {
		return nil
	}

	registered, err := b.store.IsChatUserRegistered(ctx, msg.FromUserID)
	if err != nil {
		return err
	}

	if !registered {
		return b.handleUnregistered(ctx, msg)
	}

	return b.relay(ctx, update)
}

func (b *Bot) handleUnregistered(ctx context.Context, msg *telegram.Message) error {
	target, ok := b.parseRegisterCommand(msg.Text)
	if !ok {
		slog.Info("bot: Unregistered user, sending help", "user_id", msg.FromUserID, "chat_id", msg.ChatID)
		b.reply(ctx, msg.ChatID, b.helpText())
		return nil
	}

	if !isValidPlatformUserID(target) {
		slog.Info("bot: Malformed registration command", "user_id", msg.FromUserID, "chat_id", msg.ChatID)
		b.reply(ctx, msg.ChatID, "Registration failed: the command must look like \"/register <your platform id>\". "+
			"Copy it exactly as the platform shows it.")
		return nil
	}

	if err := b.store.RegisterUser(ctx, msg.FromUserID, target); err != nil {
		b.reply(ctx, msg.ChatID, "Registration failed because of a database error. Please try again later.")
		return err
	}

	slog.Info("bot: User registered", "user_id", msg.FromUserID, "platform_user_id", target)
	b.reply(ctx, msg.ChatID, "Registration complete! Messages you send where I can read them will now reach your programs.")
	return nil
}

// relay records the room and forwards the message to every linked
// platform user.
func (b *Bot) relay(ctx context.Context, update telegram.Update) error {
	msg := update.Message

	if err := b.store.AddUserToRoom(ctx, msg.FromUserID, msg.ChatID, msg.RoomName()); err != nil {
		return err
	}

	platformUsers, err := b.store.ListPlatformUsersForChatUser(ctx, msg.FromUserID)
	if err != nil {
		return err
	}

	for _, platformUserID := range platformUsers {
		event := platform.Event{
			ID:       eventID(update.ID, platformUserID),
			ToUserID: platformUserID,
			Key:      NewMessageEventKey,
			Content:  msg.Text,
			RawEvent: update.Raw,
		}
		if err := b.emitter.EmitEvent(ctx, event); err != nil {
			return fmt.Errorf("relay update %d to %s: %w", update.ID, platformUserID, err)
		}
	}

	slog.Debug("bot: Message relayed", "update_id", update.ID, "chat_id", msg.ChatID, "platform_users", len(platformUsers))
	return nil
}

// parseRegisterCommand accepts "/register <id>" and, in groups,
// "/register@BotName <id>". ok is false when the text is not the command.
func (b *Bot) parseRegisterCommand(text string) (target string, ok bool) {
	command, rest, _ := strings.Cut(strings.TrimSpace(text), " ")

	name, mention, hasMention := strings.Cut(command, "@")
	if name != registerCommand {
		return "", false
	}
	if hasMention && b.config.BotName != "" && !strings.EqualFold(mention, b.config.BotName) {
		return "", false
	}

	return strings.TrimSpace(rest), true
}

func isValidPlatformUserID(id string) bool {
	if id == "" || len(id) > maxPlatformUserIDLn {
		return false
	}
	return strings.IndexFunc(id, unicode.IsSpace) < 0
}

func (b *Bot) helpText() string {
	text := "Hi! I don't know you yet. Open the Telegram bridge on the automation platform, " +
		"it will show a command like \"/register <your id>\". Send it to me to link your account."
	if b.config.MaintainerHandle != "" {
		text += fmt.Sprintf(" If something goes wrong, ask @%s for help.", strings.TrimPrefix(b.config.MaintainerHandle, "@"))
	}
	return text
}

func eventID(updateID int64, platformUserID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%d:%s", updateID, platformUserID))).String()
}

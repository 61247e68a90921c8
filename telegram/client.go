package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

// MaxSendAttempts bounds how many times a rate-limited message is retried.
const MaxSendAttempts = 3

var (
	ErrTransport     = errors.New("transport error")
	ErrInvalidRoomID = errors.New("invalid room id")
)

type botAPI interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	GetMe(ctx context.Context) (*telego.User, error)
}

type Client struct {
	api   botAPI
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client for the bot token. An empty apiServer keeps the
// public Bot API endpoint.
func New(token, apiServer string) (*Client, error) {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if apiServer != "" {
		opts = append(opts, telego.WithAPIServer(apiServer))
	}

	api, err := telego.NewBot(token, opts...)
	if err != nil {
		slog.Error("telegram: Cannot create bot API client", "error", err)
		return nil, fmt.Errorf("%w: cannot create bot: %w", ErrTransport, err)
	}

	return newClient(api), nil
}

func newClient(api botAPI) *Client {
	return &Client{api: api, sleep: sleepContext}
}

// BotName returns the bot's username.
func (c *Client) BotName(ctx context.Context) (string, error) {
	me, err := c.api.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: cannot retrieve bot user: %w", ErrTransport, err)
	}

	slog.Info("telegram: Running bot as", "id", me.ID, "username", me.Username, "name", me.FirstName)

	return me.Username, nil
}

// FetchUpdates long-polls for message updates with id >= offset and returns
// them in ascending id order.
func (c *Client) FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	updates, err := c.api.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(offset),
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get updates from offset %d: %w", ErrTransport, offset, err)
	}

	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		out = append(out, convertUpdate(u))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	slog.Debug("telegram: Updates fetched", "offset", offset, "count", len(out))

	return out, nil
}

// SendMessage posts plain text to a room. roomID is a numeric chat id or an
// @channel username. Rate-limited sends wait the advertised time and retry.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) error {
	chatID, err := parseChatID(roomID)
	if err != nil {
		return err
	}

	message := tu.Message(chatID, text)

	for attempt := 1; ; attempt++ {
		_, err = c.api.SendMessage(ctx, message)
		if err == nil {
			slog.Debug("telegram: Message sent", "room_id", roomID, "attempt", attempt)
			return nil
		}

		wait, limited := retryAfter(err)
		if !limited || attempt >= MaxSendAttempts {
			break
		}

		slog.Info("telegram: Rate limit hit, waiting", "seconds", wait.Seconds(), "room_id", roomID)
		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	slog.Error("telegram: Failed to send message", "error", err, "room_id", roomID, "text_length", len(text))
	return fmt.Errorf("%w: send message to %s: %w", ErrTransport, roomID, err)
}

func convertUpdate(u telego.Update) Update {
	out := Update{ID: int64(u.UpdateID)}
	if raw, err := json.Marshal(u); err == nil {
		out.Raw = raw
	}

	if m := u.Message; m != nil {
		msg := &Message{
			ChatID:       strconv.FormatInt(m.Chat.ID, 10),
			ChatType:     m.Chat.Type,
			ChatTitle:    m.Chat.Title,
			ChatUsername: m.Chat.Username,
			Text:         m.Text,
		}
		if m.From != nil {
			msg.FromUserID = strconv.FormatInt(m.From.ID, 10)
			msg.FromUsername = m.From.Username
			msg.FromFirstName = m.From.FirstName
		}
		out.Message = msg
	}

	return out
}

func parseChatID(roomID string) (telego.ChatID, error) {
	roomID = strings.TrimSpace(roomID)
	if strings.HasPrefix(roomID, "@") && len(roomID) > 1 {
		return tu.Username(roomID), nil
	}

	id, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	return tu.ID(id), nil
}

// retryAfter extracts the flood-control wait from a Bot API error.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) || apiErr.Parameters == nil || apiErr.Parameters.RetryAfter <= 0 {
		return 0, false
	}
	return time.Duration(apiErr.Parameters.RetryAfter) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

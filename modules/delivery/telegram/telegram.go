// Package telegram delivers agent replies to Telegram chats through the
// Bot API. Requests marked for delivery on channel "telegram" are sent to
// the chat ID given as their recipient.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"gopkg.in/yaml.v3"
)

// ChannelName is the delivery channel this module handles.
const ChannelName = "telegram"

var (
	// ErrUnsupportedChannel is returned for deliveries addressed elsewhere.
	ErrUnsupportedChannel = errors.New("telegram: unsupported channel")
	// ErrChatNotAllowed is returned when the recipient is outside allow_chats.
	ErrChatNotAllowed = errors.New("telegram: chat not allowed")
)

func init() {
	core.RegisterModule(&Telegram{})
}

// Compile-time interface guards.
var (
	_ dispatch.Deliverer = (*Telegram)(nil)
	_ core.Configurable  = (*Telegram)(nil)
	_ core.Provisioner   = (*Telegram)(nil)
	_ core.Validator     = (*Telegram)(nil)
	_ core.Starter       = (*Telegram)(nil)
)

// Telegram is the delivery.telegram module.
type Telegram struct {
	config Config
	token  string
	client *Client
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (t *Telegram) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "delivery.telegram",
		New: func() core.Module { return &Telegram{} },
	}
}

// Configure implements core.Configurable.
func (t *Telegram) Configure(node *yaml.Node) error {
	if err := node.Decode(&t.config); err != nil {
		return fmt.Errorf("telegram: decode config: %w", err)
	}
	t.config.defaults()
	return nil
}

// Provision implements core.Provisioner. The module becomes the runtime's
// deliverer.
func (t *Telegram) Provision(ctx *core.AppContext) error {
	t.logger = ctx.Logger
	t.token = t.config.token()
	t.client = NewClient(t.token, t.config.APIURL, t.config.Timeout)
	ctx.RegisterService(dispatch.DelivererServiceName, t)
	return nil
}

// Validate implements core.Validator.
func (t *Telegram) Validate() error {
	return t.config.validate(t.token)
}

// Start implements core.Starter. It checks the token with getMe.
func (t *Telegram) Start() error {
	user, err := t.client.GetMe(context.Background())
	if err != nil {
		return fmt.Errorf("telegram: getMe failed (check token): %w", err)
	}
	t.logger.Info("telegram bot authenticated", "id", user.ID, "username", user.Username)
	return nil
}

// Deliver implements dispatch.Deliverer. Long replies are split into
// several messages; a chunk Telegram cannot parse as MarkdownV2 is resent
// as plain text.
func (t *Telegram) Deliver(ctx context.Context, d dispatch.Delivery) error {
	if d.Channel != ChannelName {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, d.Channel)
	}
	chatID, threadID, err := parseRecipient(d.To)
	if err != nil {
		return err
	}
	if len(t.config.AllowChats) > 0 && !slices.Contains(t.config.AllowChats, strconv.FormatInt(chatID, 10)) {
		return fmt.Errorf("%w: %d", ErrChatNotAllowed, chatID)
	}

	chunks := splitText(d.Content, t.config.MaxMessageLength)
	for i, chunk := range chunks {
		req := sendMessageRequest{
			ChatID:                chatID,
			Text:                  chunk,
			MessageThreadID:       threadID,
			DisableWebPagePreview: t.config.DisablePreview,
			DisableNotification:   t.config.DisableNotification,
		}
		if err := t.send(ctx, req); err != nil {
			return fmt.Errorf("telegram: chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	t.logger.Debug("telegram: delivered", "session", d.SessionKey, "chat_id", chatID, "chunks", len(chunks))
	return nil
}

func (t *Telegram) send(ctx context.Context, req sendMessageRequest) error {
	if !t.config.PlainText {
		formatted := req
		formatted.Text = toMarkdownV2(req.Text)
		formatted.ParseMode = parseModeMarkdownV2
		if len([]rune(formatted.Text)) <= telegramMaxLength {
			_, err := t.client.SendMessage(ctx, formatted)
			if err == nil || !isParseError(err) {
				return err
			}
			t.logger.Debug("telegram: markdown rejected, resending as plain text", "error", err)
		}
	}
	_, err := t.client.SendMessage(ctx, req)
	return err
}

// isParseError reports whether Telegram rejected the message entities.
func isParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == 400 &&
		strings.Contains(strings.ToLower(apiErr.Description), "can't parse entities")
}

// parseRecipient accepts "<chat_id>" or "<chat_id>:<thread_id>".
func parseRecipient(to string) (chatID int64, threadID int, err error) {
	chat, thread, hasThread := strings.Cut(to, ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid chat ID %q: %w", chat, err)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil {
			return 0, 0, fmt.Errorf("telegram: invalid thread ID %q: %w", thread, err)
		}
	}
	return chatID, threadID, nil
}

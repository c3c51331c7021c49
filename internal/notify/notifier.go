package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makerspaceleiden/aggregator/internal/model"
)

// ChatSender delivers a message to one chat address on one platform.
type ChatSender interface {
	SendChat(ctx context.Context, chatID string, msg Message) error
}

// EmailSender delivers a message by email.
type EmailSender interface {
	SendToUser(ctx context.Context, user model.User, msg Message) error
	SendToAddress(ctx context.Context, name, address string, msg Message) error
}

// Notifier routes messages to a user's registered channels. Chat
// platforms are tried in the user's preference order; email is used
// when no chat channel could be tried (none registered, or no bridge
// configured for the user's platforms), or always when the user asked
// for email explicitly. A failed chat delivery does not trigger it.
type Notifier struct {
	chat   map[string]ChatSender
	email  EmailSender
	logger *slog.Logger
}

// NewNotifier builds a notifier. Platforms without a registered sender
// are skipped at delivery time.
func NewNotifier(email EmailSender, logger *slog.Logger) *Notifier {
	return &Notifier{
		chat:   map[string]ChatSender{},
		email:  email,
		logger: logger,
	}
}

// RegisterChat adds a chat platform sender.
func (n *Notifier) RegisterChat(platform string, sender ChatSender) {
	n.chat[platform] = sender
}

// NotifyUser delivers msg on every channel the user's preferences
// select. Per-channel failures are logged and isolated; an error is
// returned only when no selected channel accepted the message.
func (n *Notifier) NotifyUser(ctx context.Context, user model.User, msg Message) error {
	var delivered, attempted int

	for _, addr := range user.ChatAddresses() {
		sender, ok := n.chat[addr.Platform]
		if !ok {
			continue
		}
		attempted++
		if err := sender.SendChat(ctx, chatID(addr), msg); err != nil {
			n.logger.Error("chat delivery failed",
				"platform", addr.Platform, "user_id", user.ID, "error", err)
			continue
		}
		delivered++
	}

	if user.AlwaysEmail || attempted == 0 {
		attempted++
		if err := n.email.SendToUser(ctx, user, msg); err != nil {
			n.logger.Error("email delivery failed", "user_id", user.ID, "error", err)
		} else {
			delivered++
		}
	}

	if attempted > 0 && delivered == 0 {
		return fmt.Errorf("no channel accepted notification for user %d", user.ID)
	}
	return nil
}

// NotifyList sends msg by email to a mailing list.
func (n *Notifier) NotifyList(ctx context.Context, name, address string, msg Message) error {
	return n.email.SendToAddress(ctx, name, address, msg)
}

// chatID renders the conversation id used by the chat bridges:
// "signal-<phone>" and "telegram-<id>".
func chatID(addr model.ChatAddress) string {
	return addr.Platform + "-" + addr.ID
}

// ChatID exposes the conversation id scheme for the bot layer, which
// keys conversation state by it.
func ChatID(platform, id string) string {
	return platform + "-" + id
}

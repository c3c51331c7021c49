package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/makerspaceleiden/aggregator/internal/model"
)

type recordingChat struct {
	sent []string
	err  error
}

func (c *recordingChat) SendChat(ctx context.Context, chatID string, msg Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, chatID)
	return nil
}

type recordingEmail struct {
	sent []string
	err  error
}

func (e *recordingEmail) SendToUser(ctx context.Context, user model.User, msg Message) error {
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, user.Email)
	return nil
}

func (e *recordingEmail) SendToAddress(ctx context.Context, name, address string, msg Message) error {
	e.sent = append(e.sent, address)
	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *recordingChat, *recordingEmail) {
	t.Helper()
	chat := &recordingChat{}
	email := &recordingEmail{}
	n := NewNotifier(email, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.RegisterChat(model.PlatformSignal, chat)
	return n, chat, email
}

var signalUser = model.User{
	ID: 7, FirstName: "Stefano", Email: "stefano@example.com",
	PhoneNumber: "+316123456", UsesSignal: true,
}

func TestNotifyUser_ChatPreferred(t *testing.T) {
	n, chat, email := newTestNotifier(t)

	if err := n.NotifyUser(context.Background(), signalUser, TestNotification{User: signalUser}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(chat.sent) != 1 || chat.sent[0] != "signal-+316123456" {
		t.Errorf("chat.sent = %v, want [signal-+316123456]", chat.sent)
	}
	if len(email.sent) != 0 {
		t.Errorf("email.sent = %v, want none", email.sent)
	}
}

func TestNotifyUser_UnconfiguredBridgeFallsBackToEmail(t *testing.T) {
	// No bridge registered at all: the user's signal preference cannot
	// be honored, so the message must go out by email instead of being
	// dropped.
	email := &recordingEmail{}
	n := NewNotifier(email, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := n.NotifyUser(context.Background(), signalUser, TestNotification{User: signalUser}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(email.sent) != 1 || email.sent[0] != "stefano@example.com" {
		t.Errorf("email.sent = %v, want [stefano@example.com]", email.sent)
	}
}

func TestNotifyUser_NoChatChannelUsesEmail(t *testing.T) {
	n, chat, email := newTestNotifier(t)
	bob := model.User{ID: 8, FirstName: "Bob", Email: "bob@example.com"}

	if err := n.NotifyUser(context.Background(), bob, TestNotification{User: bob}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(chat.sent) != 0 {
		t.Errorf("chat.sent = %v, want none", chat.sent)
	}
	if len(email.sent) != 1 {
		t.Errorf("email.sent = %v, want one", email.sent)
	}
}

func TestNotifyUser_AlwaysEmailSendsBoth(t *testing.T) {
	n, chat, email := newTestNotifier(t)
	user := signalUser
	user.AlwaysEmail = true

	if err := n.NotifyUser(context.Background(), user, TestNotification{User: user}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(chat.sent) != 1 || len(email.sent) != 1 {
		t.Errorf("sent chat=%v email=%v, want one each", chat.sent, email.sent)
	}
}

func TestNotifyUser_AllChannelsFailing(t *testing.T) {
	n, chat, _ := newTestNotifier(t)
	chat.err = errors.New("bridge down")

	// Chat was tried and failed; email is a preference, not a retry
	// path, so the caller gets an error.
	err := n.NotifyUser(context.Background(), signalUser, TestNotification{User: signalUser})
	if err == nil {
		t.Fatal("NotifyUser = nil, want error when nothing was delivered")
	}
}

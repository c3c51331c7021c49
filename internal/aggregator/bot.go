package aggregator

import (
	"context"
	"fmt"
	"strings"

	"github.com/makerspaceleiden/aggregator/internal/bot"
	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/notify"
)

// HandleBotMessage interprets one incoming chat message and returns
// the reply. chatID is the platform-scoped conversation id
// ("signal-<phone>" or "telegram-<id>"). Unregistered senders always
// get the connect-your-account message and never mutate state.
func (a *Aggregator) HandleBotMessage(ctx context.Context, chatID, text string) (notify.Message, error) {
	platform, id, found := strings.Cut(chatID, "-")
	if !found {
		return nil, fmt.Errorf("malformed chat id %q", chatID)
	}
	user, err := a.userByChat(ctx, platform, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return notify.NotRegistered{}, nil
	}

	cmd := strings.ToLower(strings.TrimSpace(text))
	st := a.states.Get(chatID)

	switch st.Kind {
	case bot.StateConfirmCheckout:
		return a.handleConfirmCheckout(ctx, chatID, *user, st, cmd)
	case bot.StateConfirmVolunteering:
		return a.handleConfirmVolunteering(ctx, chatID, *user, st, cmd)
	default:
		return a.handleIdle(ctx, chatID, *user, cmd)
	}
}

func (a *Aggregator) handleIdle(ctx context.Context, chatID string, user model.User, cmd string) (notify.Message, error) {
	switch cmd {
	case "who":
		snap, err := a.SpaceState(ctx)
		if err != nil {
			return nil, err
		}
		return notify.Who{User: user, State: snap}, nil

	case "help":
		return notify.Help{User: user}, nil

	case "out":
		checkins, err := a.store.CheckIns()
		if err != nil {
			return nil, err
		}
		ts, ok := checkins[user.ID]
		if !ok {
			return notify.NotInSpace{User: user}, nil
		}
		a.states.Set(chatID, bot.State{
			Kind:      bot.StateConfirmCheckout,
			ExpiresAt: a.clk.Now().Add(a.cfg.ConfirmTimeout),
			CheckinAt: ts,
		})
		return notify.ConfirmCheckout{User: user, TSCheckin: clock.HumanStr(ts, a.loc)}, nil

	case "checkin":
		if err := a.UserEnteredSpace(ctx, user.ID); err != nil {
			return nil, err
		}
		snap, err := a.SpaceState(ctx)
		if err != nil {
			return nil, err
		}
		return notify.Who{User: user, State: snap}, nil

	default:
		return notify.Unknown{User: user}, nil
	}
}

func (a *Aggregator) handleConfirmCheckout(ctx context.Context, chatID string, user model.User, st bot.State, cmd string) (notify.Message, error) {
	switch cmd {
	case "yes":
		a.states.Clear(chatID)
		if err := a.UserLeftSpace(ctx, user.ID); err != nil {
			return nil, err
		}
		return notify.ConfirmedCheckout{User: user}, nil
	case "no":
		a.states.Clear(chatID)
		return notify.Cancel{}, nil
	default:
		// Anything else re-prompts with the valid choices.
		return notify.ConfirmCheckout{User: user, TSCheckin: clock.HumanStr(st.CheckinAt, a.loc)}, nil
	}
}

func (a *Aggregator) handleConfirmVolunteering(ctx context.Context, chatID string, user model.User, st bot.State, cmd string) (notify.Message, error) {
	if st.Occurrence == nil {
		a.states.Clear(chatID)
		return notify.Unknown{User: user}, nil
	}
	switch cmd {
	case "yes":
		a.states.Clear(chatID)
		return a.Volunteer(ctx, user, *st.Occurrence)
	case "no":
		a.states.Clear(chatID)
		return notify.Cancel{}, nil
	default:
		return notify.AskForVolunteering{
			User:      user,
			ChoreName: st.Occurrence.Chore.Name,
			When:      clock.HumanStr(st.Occurrence.At, a.loc),
		}, nil
	}
}

// CreateLinkToken mints a short-lived token for linking a chat account
// to the given member.
func (a *Aggregator) CreateLinkToken(ctx context.Context, userID int64) (string, error) {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("user ID %d not found in directory", userID)
	}
	return a.store.NewLinkToken(userID)
}

// ResolveLinkToken consumes a link token presented from a chat
// conversation and binds that chat account to the member. The identity
// caches are refreshed so the binding is visible immediately.
func (a *Aggregator) ResolveLinkToken(ctx context.Context, chatID, token string) (notify.Message, error) {
	userID, ok, err := a.store.TakeLinkToken(token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return notify.NotRegistered{}, nil
	}

	_, id, found := strings.Cut(chatID, "-")
	if !found {
		return nil, fmt.Errorf("malformed chat id %q", chatID)
	}
	if err := a.dir.StoreChatID(ctx, userID, id); err != nil {
		return nil, err
	}
	if err := a.refreshUsers(ctx); err != nil {
		return nil, err
	}

	user, err := a.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user ID %d vanished after linking", userID)
	}
	a.logger.Info("chat account linked", "user", user.FullName(), "chat_id", chatID)

	// Exercise the freshly bound channel so a broken bridge shows up
	// right away instead of at the first real notification.
	if err := a.notifier.NotifyUser(ctx, *user, notify.TestNotification{User: *user}); err != nil {
		a.logger.Error("test notification after linking failed",
			"user_id", user.ID, "error", err)
	}
	return notify.Help{User: *user}, nil
}

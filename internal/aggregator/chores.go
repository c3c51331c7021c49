package aggregator

import (
	"context"
	"fmt"

	"github.com/makerspaceleiden/aggregator/internal/bot"
	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/events"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/notify"
)

// ChoreView is the chore shape in the chores read model.
type ChoreView struct {
	ChoreID           int64  `json:"chore_id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	MinRequiredPeople int    `json:"min_required_people"`
}

// WhenView is a timestamp with its human rendering.
type WhenView struct {
	Timestamp int64  `json:"timestamp"`
	HumanStr  string `json:"human_str"`
}

// ChoreEventView is one upcoming chore occurrence.
type ChoreEventView struct {
	Chore      ChoreView `json:"chore"`
	When       WhenView  `json:"when"`
	Volunteers int       `json:"volunteers"`
}

// ChoresView is the chores read model served over HTTP.
type ChoresView struct {
	Events []ChoreEventView `json:"events"`
}

// ChoreOverview lists the occurrences within the configured horizon,
// with their volunteer counts.
func (a *Aggregator) ChoreOverview(ctx context.Context) (ChoresView, error) {
	now := a.clk.Now()
	occs, err := a.engine.Occurrences(now, now.Add(a.cfg.ChoresHorizon))
	if err != nil {
		return ChoresView{}, err
	}

	view := ChoresView{Events: []ChoreEventView{}}
	for _, occ := range occs {
		vols, err := a.store.Volunteers(occ.Key())
		if err != nil {
			return ChoresView{}, err
		}
		view.Events = append(view.Events, ChoreEventView{
			Chore: ChoreView{
				ChoreID:           occ.Chore.ID,
				Name:              occ.Chore.Name,
				Description:       occ.Chore.Description,
				MinRequiredPeople: occ.Chore.MinVolunteers,
			},
			When: WhenView{
				Timestamp: occ.At.Unix(),
				HumanStr:  clock.HumanStr(occ.At, a.loc),
			},
			Volunteers: len(vols),
		})
	}

	if !a.choreOverviewLogged {
		a.choreOverviewLogged = true
		a.logger.Info("chore overview", "occurrences", len(view.Events), "horizon", a.cfg.ChoresHorizon)
	}
	return view, nil
}

// SendChoreWarnings is the reminder sweep: it collects the nudges
// whose reminder time has freshly passed, checks their dedup markers,
// delivers, and writes the markers only after delivery succeeded.
func (a *Aggregator) SendChoreWarnings(ctx context.Context) error {
	nudges, err := a.engine.DueNudges(a.clk.Now(), a.cfg.NudgeWindow, a.cfg.ChoresHorizon)
	if err != nil {
		return err
	}
	for _, n := range nudges {
		sent, err := a.store.NudgeSent(n.Key())
		if err != nil {
			return err
		}
		if sent {
			continue
		}
		ok, err := a.deliverNudge(ctx, n)
		if err != nil {
			return err
		}
		if !ok {
			// Delivery failed; leave the marker unwritten so the next
			// sweep retries.
			continue
		}
		if err := a.store.MarkNudgeSent(n.Key()); err != nil {
			return err
		}
		a.bus.Publish(events.Event{
			Timestamp: a.clk.Now(), Source: events.SourceScheduler, Kind: events.KindNudgeSent,
			Data: map[string]any{"nudge_key": n.Key()},
		})
	}
	return nil
}

// deliverNudge sends one due nudge. It reports delivered=false, with
// no error, when a send failed and the nudge should stay eligible.
func (a *Aggregator) deliverNudge(ctx context.Context, n chores.Nudge) (bool, error) {
	occ := n.Occurrence
	when := clock.HumanStr(occ.At, a.loc)

	switch n.Reminder.Kind {
	case chores.MissingVolunteers:
		vols, err := a.store.Volunteers(occ.Key())
		if err != nil {
			return false, err
		}
		if len(vols) > 0 {
			// Someone signed up; nothing to nag about. Mark it so the
			// sweep stops re-evaluating this nudge.
			return true, nil
		}

		delivered := true
		if n.Reminder.ListEmail {
			msg := notify.MissingVolunteers{
				ChoreName:   occ.Chore.Name,
				Description: occ.Chore.Description,
				When:        when,
			}
			if err := a.notifier.NotifyList(ctx, a.cfg.ListName, a.cfg.ListAddress, msg); err != nil {
				a.logger.Error("chore list email failed", "nudge", n.Key(), "error", err)
				delivered = false
			}
		}
		if n.Reminder.DirectAsk {
			ok, err := a.askRecentUsers(ctx, occ, when)
			if err != nil {
				return false, err
			}
			delivered = delivered && ok
		}
		return delivered, nil

	case chores.SignedVolunteers:
		vols, err := a.store.Volunteers(occ.Key())
		if err != nil {
			return false, err
		}
		delivered := true
		for _, userID := range vols {
			user, err := a.userByID(ctx, userID)
			if err != nil {
				return false, err
			}
			if user == nil {
				a.logger.Error("volunteer not found in directory", "user_id", userID)
				continue
			}
			msg := notify.VolunteeringReminder{User: *user, ChoreName: occ.Chore.Name, When: when}
			if err := a.notifier.NotifyUser(ctx, *user, msg); err != nil {
				a.logger.Error("volunteer reminder failed", "user_id", userID, "error", err)
				delivered = false
			}
		}
		return delivered, nil

	default:
		return false, fmt.Errorf("unknown reminder kind %q", n.Reminder.Kind)
	}
}

// askRecentUsers messages everyone seen at the space within the
// recency window, asking them to volunteer, and arms their
// conversation state for a yes/no answer valid until the occurrence.
func (a *Aggregator) askRecentUsers(ctx context.Context, occ chores.Occurrence, when string) (bool, error) {
	lastSeen, err := a.store.LastSeen()
	if err != nil {
		return false, err
	}
	now := a.clk.Now()

	delivered := true
	for userID, ts := range lastSeen {
		if now.Sub(ts) > a.cfg.RecentUserWindow {
			continue
		}
		user, err := a.userByID(ctx, userID)
		if err != nil {
			return false, err
		}
		if user == nil {
			continue
		}

		o := occ
		for _, addr := range user.ChatAddresses() {
			a.states.Set(notify.ChatID(addr.Platform, addr.ID), bot.State{
				Kind:       bot.StateConfirmVolunteering,
				ExpiresAt:  occ.At,
				Occurrence: &o,
			})
		}

		msg := notify.AskForVolunteering{User: *user, ChoreName: occ.Chore.Name, When: when}
		if err := a.notifier.NotifyUser(ctx, *user, msg); err != nil {
			a.logger.Error("volunteering ask failed", "user_id", userID, "error", err)
			delivered = false
		}
	}
	return delivered, nil
}

// Volunteer signs a user up for a chore occurrence. Signing up again
// is idempotent; signing up once the chore already has its minimum is
// a no-op that reports "not necessary".
func (a *Aggregator) Volunteer(ctx context.Context, user model.User, occ chores.Occurrence) (notify.Message, error) {
	when := clock.HumanStr(occ.At, a.loc)
	vols, err := a.store.Volunteers(occ.Key())
	if err != nil {
		return nil, err
	}

	already := false
	for _, id := range vols {
		if id == user.ID {
			already = true
			break
		}
	}
	if !already && len(vols) >= occ.Chore.MinVolunteers {
		return notify.VolunteeringNotNecessary{User: user, ChoreName: occ.Chore.Name}, nil
	}

	if err := a.store.AddVolunteer(occ.Key(), user.ID); err != nil {
		return nil, err
	}
	a.logger.Info("volunteer signed up", "user", user.FullName(), "chore", occ.Chore.Name, "at", occ.At)
	return notify.ConfirmedVolunteering{User: user, ChoreName: occ.Chore.Name, When: when}, nil
}

// Package aggregator is the system's single source of behavioral
// truth: it applies typed telemetry events to the ephemeral store,
// derives notifications from the resulting state, answers bot
// commands, and runs the periodic sweeps. Every method that mutates
// state is called from the worker goroutine only.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/bot"
	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/directory"
	"github.com/makerspaceleiden/aggregator/internal/events"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/notify"
	"github.com/makerspaceleiden/aggregator/internal/parser"
	"github.com/makerspaceleiden/aggregator/internal/state"
	"github.com/makerspaceleiden/aggregator/internal/tasks"
)

// Config tunes the aggregator's sweeps and notifications.
type Config struct {
	// StaleAfter is how long a check-in may stay open before the
	// sweep silently removes it.
	StaleAfter time.Duration

	// MorningHour is the local hour at which deferred stale-checkout
	// notifications fire.
	MorningHour int

	// ChoresHorizon bounds how far ahead the chore overview and the
	// reminder sweep look.
	ChoresHorizon time.Duration

	// NudgeWindow is how long after its due time a reminder is still
	// considered fresh enough to send.
	NudgeWindow time.Duration

	// RecentUserWindow selects who counts as "recently seen" for
	// direct volunteering asks.
	RecentUserWindow time.Duration

	// ConfirmTimeout bounds how long the bot waits for a yes/no.
	ConfirmTimeout time.Duration

	// ListName and ListAddress identify the members mailing list for
	// chore nudge emails.
	ListName    string
	ListAddress string

	// SettingsURL is the CRM notification-settings page linked from
	// emails.
	SettingsURL string
}

// Aggregator orchestrates the store, the directory, the chore engine,
// the conversation states, the scheduler and the notifier.
type Aggregator struct {
	store    *state.SpaceStore
	dir      directory.Directory
	crm      directory.CheckinRecorder
	notifier *notify.Notifier
	engine   *chores.Engine
	states   *bot.States
	sched    *tasks.Scheduler
	bus      *events.Bus
	clk      clock.Clock
	loc      *time.Location
	cfg      Config
	logger   *slog.Logger

	choreOverviewLogged bool
}

// New wires an aggregator. bus may be nil when nothing consumes push
// updates.
func New(
	store *state.SpaceStore,
	dir directory.Directory,
	crm directory.CheckinRecorder,
	notifier *notify.Notifier,
	engine *chores.Engine,
	states *bot.States,
	sched *tasks.Scheduler,
	bus *events.Bus,
	clk clock.Clock,
	loc *time.Location,
	cfg Config,
	logger *slog.Logger,
) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		store:    store,
		dir:      dir,
		crm:      crm,
		notifier: notifier,
		engine:   engine,
		states:   states,
		sched:    sched,
		bus:      bus,
		clk:      clk,
		loc:      loc,
		cfg:      cfg,
		logger:   logger,
	}
}

// -- Identity resolution (read-through caches) ----

func (a *Aggregator) refreshUsers(ctx context.Context) error {
	users, err := a.dir.AllUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users from directory: %w", err)
	}
	return a.store.CacheUsers(users)
}

func (a *Aggregator) userByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := a.store.UserByID(id)
	if err != nil || u != nil {
		return u, err
	}
	if err := a.refreshUsers(ctx); err != nil {
		return nil, err
	}
	return a.store.UserByID(id)
}

func (a *Aggregator) userByChat(ctx context.Context, platform, id string) (*model.User, error) {
	lookup := a.store.UserByChatID
	if platform == model.PlatformSignal {
		lookup = a.store.UserByPhone
	}
	u, err := lookup(id)
	if err != nil || u != nil {
		return u, err
	}
	if err := a.refreshUsers(ctx); err != nil {
		return nil, err
	}
	return lookup(id)
}

func (a *Aggregator) machineByNode(ctx context.Context, node string) (*model.Machine, error) {
	m, err := a.store.MachineByNode(node)
	if err != nil || m != nil {
		return m, err
	}
	machines, err := a.dir.AllMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("load machines from directory: %w", err)
	}
	if err := a.store.CacheMachines(machines); err != nil {
		return nil, err
	}
	return a.store.MachineByNode(node)
}

// machineName returns the display name for a telemetry node name,
// falling back to the node name for machines the directory doesn't
// know.
func (a *Aggregator) machineName(ctx context.Context, node string) string {
	m, err := a.machineByNode(ctx, node)
	if err != nil || m == nil {
		return node
	}
	return m.Name
}

// -- Telemetry event application ----

// Apply dispatches one parsed telemetry event.
func (a *Aggregator) Apply(ctx context.Context, ev parser.Event) error {
	switch e := ev.(type) {
	case parser.SpaceOpen:
		return a.SetSpaceOpen(ctx, e.Open)
	case parser.UserEntered:
		return a.UserEnteredSpace(ctx, e.UserID)
	case parser.UserLeft:
		return a.UserLeftSpace(ctx, e.UserID)
	case parser.MachineActivated:
		return a.UserActivatedMachine(ctx, e.UserID, e.Machine)
	case parser.MachinePower:
		return a.MachinePowered(ctx, e.Machine, e.On)
	case parser.MachineState:
		return a.MachineHeartbeat(ctx, e.Machine, e.State)
	case parser.Lights:
		return a.SetLights(ctx, e.Room, e.On)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

// UserEnteredSpace records a check-in at the space door.
func (a *Aggregator) UserEnteredSpace(ctx context.Context, userID int64) error {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user ID %d not found in directory", userID)
	}
	now := a.clk.Now()
	a.logger.Info("user entered space", "user", user.FullName())

	if err := a.store.CheckIn(user.ID, now); err != nil {
		return err
	}
	if err := a.store.AppendHistory(model.HistoryLine{
		Type:        model.HistoryUserEntered,
		UserID:      user.ID,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		Description: fmt.Sprintf("User %s entered the space at %s", user.FullName(), clock.HumanStr(now, a.loc)),
		Timestamp:   now.Unix(),
	}); err != nil {
		return err
	}

	if err := a.crm.RecordCheckIn(ctx, user.ID); err != nil {
		a.logger.Error("CRM check-in failed", "user_id", user.ID, "error", err)
	}
	a.bus.Publish(events.Event{
		Timestamp: now, Source: events.SourceAggregator, Kind: events.KindUserEntered,
		Data: map[string]any{"user_id": user.ID},
	})
	return nil
}

// UserLeftSpace records a check-out and runs the leave checks.
func (a *Aggregator) UserLeftSpace(ctx context.Context, userID int64) error {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user ID %d not found in directory", userID)
	}
	now := a.clk.Now()
	a.logger.Info("user left space", "user", user.FullName())

	if err := a.store.CheckOut(user.ID); err != nil {
		return err
	}
	if err := a.store.AppendHistory(model.HistoryLine{
		Type:        model.HistoryUserLeft,
		UserID:      user.ID,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		Description: fmt.Sprintf("User %s left the space at %s", user.FullName(), clock.HumanStr(now, a.loc)),
		Timestamp:   now.Unix(),
	}); err != nil {
		return err
	}

	if err := a.crm.RecordCheckOut(ctx, user.ID); err != nil {
		a.logger.Error("CRM check-out failed", "user_id", user.ID, "error", err)
	}
	a.bus.Publish(events.Event{
		Timestamp: now, Source: events.SourceAggregator, Kind: events.KindUserLeft,
		Data: map[string]any{"user_id": user.ID},
	})

	return a.leaveChecks(ctx, *user, now)
}

// leaveChecks collects the issues the leaving user should hear about:
// machines they left on always, plus — when they are the last one out
// — machines left on by others, burning lights, and the space switch.
func (a *Aggregator) leaveChecks(ctx context.Context, user model.User, now time.Time) error {
	var problems []notify.Problem

	mine, err := a.store.MachinesOnForUser(user.ID)
	if err != nil {
		return err
	}
	for _, machine := range mine {
		problems = append(problems, notify.MachineLeftOnByUser{MachineName: a.machineName(ctx, machine)})
	}

	checkins, err := a.store.CheckIns()
	if err != nil {
		return err
	}
	isLast := len(checkins) == 0

	if isLast {
		all, err := a.store.MachinesOn()
		if err != nil {
			return err
		}
		for _, machine := range all {
			rec, ok, err := a.store.MachineOn(machine)
			if err != nil {
				return err
			}
			if ok && rec.UserID != user.ID {
				problems = append(problems, notify.MachineLeftOnBySomeoneElse{MachineName: a.machineName(ctx, machine)})
			}
		}

		lights, err := a.store.LightsOn()
		if err != nil {
			return err
		}
		for _, label := range lights {
			light, ok := model.LightByLabel(label)
			if !ok {
				light = model.Light{Label: label, Name: label}
			}
			problems = append(problems, notify.LightLeftOn{Light: light})
		}

		open, err := a.store.SpaceOpen()
		if err != nil {
			return err
		}
		if open {
			problems = append(problems, notify.SpaceLeftOpen{})
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return a.notifier.NotifyUser(ctx, user, notify.ProblemsLeaving{
		User:       user,
		TSCheckout: clock.HumanStr(now, a.loc),
		Problems:   problems,
		IsLast:     isLast,
	})
}

// UserActivatedMachine records a tag swipe on a machine node.
func (a *Aggregator) UserActivatedMachine(ctx context.Context, userID int64, machine string) error {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("user %d", userID)
	if user != nil {
		name = user.FullName()
	}
	a.logger.Info("machine activated", "user", name, "machine", machine)
	return a.store.SetPendingActivation(machine, userID)
}

// MachinePowered handles a contactor switching. Power-on without a
// pending activation, and power-off without an on-record, are logged
// and otherwise ignored.
func (a *Aggregator) MachinePowered(ctx context.Context, machine string, on bool) error {
	now := a.clk.Now()
	if on {
		userID, ok, err := a.store.ConsumePendingActivation(machine)
		if err != nil {
			return err
		}
		if !ok {
			a.logger.Error("machine started without pending activation", "machine", machine)
			return nil
		}
		a.logger.Info("machine on", "machine", machine, "user_id", userID)
		if err := a.store.SetMachineOn(machine, userID, now); err != nil {
			return err
		}
		a.bus.Publish(events.Event{
			Timestamp: now, Source: events.SourceAggregator, Kind: events.KindMachineOn,
			Data: map[string]any{"machine": machine, "user_id": userID},
		})
		return nil
	}

	_, ok, err := a.store.MachineOn(machine)
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Error("machine turned off without corresponding ON record", "machine", machine)
		return nil
	}
	a.logger.Info("machine off", "machine", machine)
	if err := a.store.SetMachineOff(machine); err != nil {
		return err
	}
	a.bus.Publish(events.Event{
		Timestamp: now, Source: events.SourceAggregator, Kind: events.KindMachineOff,
		Data: map[string]any{"machine": machine},
	})
	return nil
}

// MachineHeartbeat records a machine's periodic state report. A
// machine reporting itself back at "waiting for card" while an
// on-record exists was left on and auto-powered down by its node: the
// owner gets a warning and the record is cleared.
func (a *Aggregator) MachineHeartbeat(ctx context.Context, machine string, st parser.State) error {
	if err := a.store.SetHeartbeat(machine, string(st)); err != nil {
		return err
	}
	if st != parser.StateReady {
		return nil
	}

	rec, ok, err := a.store.MachineOn(machine)
	if err != nil || !ok {
		return err
	}
	a.logger.Info("machine back to ready while marked on", "machine", machine, "user_id", rec.UserID)
	if err := a.store.SetMachineOff(machine); err != nil {
		return err
	}
	a.bus.Publish(events.Event{
		Timestamp: a.clk.Now(), Source: events.SourceAggregator, Kind: events.KindMachineOff,
		Data: map[string]any{"machine": machine},
	})

	user, err := a.userByID(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		a.logger.Error("machine-on record for unknown user", "machine", machine, "user_id", rec.UserID)
		return nil
	}
	return a.notifier.NotifyUser(ctx, *user, notify.MachineLeftOn{MachineName: a.machineName(ctx, machine)})
}

// SetSpaceOpen records the space switch position.
func (a *Aggregator) SetSpaceOpen(ctx context.Context, open bool) error {
	a.logger.Info("space open", "open", open)
	if err := a.store.SetSpaceOpen(open); err != nil {
		return err
	}
	a.bus.Publish(events.Event{
		Timestamp: a.clk.Now(), Source: events.SourceAggregator, Kind: events.KindSpaceOpen,
		Data: map[string]any{"open": open},
	})
	return nil
}

// SetLights records one light group switching.
func (a *Aggregator) SetLights(ctx context.Context, room string, on bool) error {
	a.logger.Info("lights", "room", room, "on", on)
	if err := a.store.SetLights(room, on); err != nil {
		return err
	}
	a.bus.Publish(events.Event{
		Timestamp: a.clk.Now(), Source: events.SourceAggregator, Kind: events.KindLights,
		Data: map[string]any{"room": room, "on": on},
	})
	return nil
}

// -- Sweeps ----

// CleanStaleCheckins silently removes check-ins older than the stale
// threshold and defers a "forgot to checkout" notification to the next
// morning. Running it twice in a row schedules nothing extra.
func (a *Aggregator) CleanStaleCheckins(ctx context.Context) error {
	a.logger.Info("checking for stale users")
	checkins, err := a.store.CheckIns()
	if err != nil {
		return err
	}
	now := a.clk.Now()
	for userID, ts := range checkins {
		if now.Sub(ts) <= a.cfg.StaleAfter {
			continue
		}
		user, err := a.userByID(ctx, userID)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("user %d", userID)
		if user != nil {
			name = user.FullName()
		}
		a.logger.Info("checking out stale user", "user", name,
			"hours", int(now.Sub(ts).Hours()))
		if err := a.store.CheckOut(userID); err != nil {
			return err
		}
		if user == nil {
			continue
		}

		u := *user
		tsCheckin := clock.HumanStr(ts, a.loc)
		at := clock.NextTimeOfDay(now, a.cfg.MorningHour, 0, a.loc)
		a.sched.ScheduleAt(at, "stale-checkout-notification", func(ctx context.Context) error {
			return a.notifier.NotifyUser(ctx, u, notify.StaleCheckout{
				User:        u,
				TSCheckin:   tsCheckin,
				SettingsURL: a.cfg.SettingsURL,
			})
		})
	}
	return nil
}

// CheckExpiredMachines forces off any machine still marked on whose
// heartbeat went silent past the TTL (cable pulled, node crashed).
func (a *Aggregator) CheckExpiredMachines(ctx context.Context) error {
	machines, err := a.store.MachinesOn()
	if err != nil {
		return err
	}
	for _, machine := range machines {
		_, alive, err := a.store.Heartbeat(machine)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		a.logger.Error("machine heartbeat expired, forcing off", "machine", machine)
		if err := a.store.SetMachineOff(machine); err != nil {
			return err
		}
		a.bus.Publish(events.Event{
			Timestamp: a.clk.Now(), Source: events.SourceAggregator, Kind: events.KindMachineOff,
			Data: map[string]any{"machine": machine},
		})
	}
	return nil
}

package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/model"
)

// SpaceState assembles the full snapshot read model: switch position,
// lights, powered machines, who is in the space (most recent check-in
// first) and the rolling history.
func (a *Aggregator) SpaceState(ctx context.Context) (model.SpaceState, error) {
	now := a.clk.Now()
	snap := model.SpaceState{
		LightsOn:     []model.Light{},
		MachinesOn:   []model.MachineOnView{},
		UsersInSpace: []model.CheckinView{},
		History:      []model.HistoryLine{},
	}

	open, err := a.store.SpaceOpen()
	if err != nil {
		return snap, err
	}
	snap.SpaceOpen = open

	lights, err := a.store.LightsOn()
	if err != nil {
		return snap, err
	}
	for _, label := range lights {
		light, ok := model.LightByLabel(label)
		if !ok {
			light = model.Light{Label: label, Name: label}
		}
		snap.LightsOn = append(snap.LightsOn, light)
	}

	machines, err := a.store.MachinesOn()
	if err != nil {
		return snap, err
	}
	for _, machine := range machines {
		view, err := a.machineOnView(ctx, machine, now)
		if err != nil {
			return snap, err
		}
		snap.MachinesOn = append(snap.MachinesOn, view)
	}

	checkins, err := a.store.CheckIns()
	if err != nil {
		return snap, err
	}
	type checkin struct {
		userID int64
		ts     time.Time
	}
	ordered := make([]checkin, 0, len(checkins))
	for userID, ts := range checkins {
		ordered = append(ordered, checkin{userID: userID, ts: ts})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ts.After(ordered[j].ts) })

	for _, ci := range ordered {
		view := model.CheckinView{
			TSCheckin:      clock.HumanStr(ci.ts, a.loc),
			TSCheckinHuman: clock.HumanDelta(ci.ts, now),
			MachinesOn:     []model.MachineOnView{},
		}
		user, err := a.userByID(ctx, ci.userID)
		if err != nil {
			return snap, err
		}
		if user != nil {
			uv := user.View()
			view.User = &uv
			mine, err := a.store.MachinesOnForUser(user.ID)
			if err != nil {
				return snap, err
			}
			for _, machine := range mine {
				mv, err := a.machineOnView(ctx, machine, now)
				if err != nil {
					return snap, err
				}
				view.MachinesOn = append(view.MachinesOn, mv)
			}
		}
		snap.UsersInSpace = append(snap.UsersInSpace, view)
	}

	history, err := a.store.History()
	if err != nil {
		return snap, err
	}
	snap.History = history

	return snap, nil
}

// machineOnView projects one powered machine, with the user it is
// attributed to, into the read model.
func (a *Aggregator) machineOnView(ctx context.Context, machine string, now time.Time) (model.MachineOnView, error) {
	view := model.MachineOnView{Machine: model.MachineView{Name: machine}}

	if m, err := a.machineByNode(ctx, machine); err != nil {
		return view, err
	} else if m != nil {
		view.Machine = m.View()
	}

	rec, ok, err := a.store.MachineOn(machine)
	if err != nil || !ok {
		return view, err
	}
	ts := time.Unix(rec.TS, 0).UTC()
	view.TS = clock.HumanStr(ts, a.loc)
	view.TSHuman = clock.HumanDelta(ts, now)

	user, err := a.userByID(ctx, rec.UserID)
	if err != nil {
		return view, err
	}
	if user != nil {
		uv := user.View()
		view.User = &uv
	}
	return view, nil
}

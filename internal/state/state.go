// Package state is the domain layer over the ephemeral store: it maps
// the aggregator's working state — identity caches, who is in the
// space, which machines and lights are on, pending activations,
// heartbeats, nudge markers, link tokens, the presence history — onto
// store namespaces, with the JSON encoding and TTL policy in one
// place.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/store"
)

// Store namespaces. Short tags in the manner of the original redis key
// scheme; the sqlite table keys them apart.
const (
	nsCheckins    = "us" // user_id -> checkin unix ts
	nsLastSeen    = "ul" // user_id -> last checkin unix ts
	nsPending     = "ma" // machine -> user_id, expiring
	nsMachineOn   = "mo" // machine -> {user_id, ts}
	nsMachinesOn  = "ms" // set of machine names
	nsHeartbeat   = "mt" // machine -> state, expiring
	nsLightsOn    = "li" // set of room labels
	nsSpaceOpen   = "so"
	nsHistoryLine = "hl" // line id -> history line, expiring
	nsHistorySet  = "hs" // set of line ids
	nsNudges      = "nu" // nudge key -> "1"
	nsVolunteers  = "vo" // one set per occurrence key
	nsLinkToken   = "tt" // token -> user_id, expiring

	hashUsersByID    = "ui"
	hashUsersByChat  = "ut"
	hashUsersByPhone = "up"
	hashMachines     = "mc"
)

// TTLs groups the expiry policy for everything the store holds.
type TTLs struct {
	UserCache         time.Duration
	PendingActivation time.Duration
	Heartbeat         time.Duration
	LinkToken         time.Duration
	HistoryLines      time.Duration
}

// SpaceStore wraps the ephemeral store with domain operations.
type SpaceStore struct {
	s    *store.Store
	ttls TTLs
}

// New wraps the given store with the given TTL policy.
func New(s *store.Store, ttls TTLs) *SpaceStore {
	return &SpaceStore{s: s, ttls: ttls}
}

// CacheUsers replaces the identity caches with the given directory
// snapshot. All three lookup hashes expire together, forcing a reload
// from the directory.
func (ss *SpaceStore) CacheUsers(users []model.User) error {
	byID := map[string]string{}
	byChat := map[string]string{}
	byPhone := map[string]string{}
	for _, u := range users {
		blob, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user %d: %w", u.ID, err)
		}
		byID[strconv.FormatInt(u.ID, 10)] = string(blob)
		if u.TelegramID != "" {
			byChat[u.TelegramID] = string(blob)
		}
		if u.PhoneNumber != "" {
			byPhone[u.PhoneNumber] = string(blob)
		}
	}
	if err := ss.s.HReplace(hashUsersByID, byID, ss.ttls.UserCache); err != nil {
		return err
	}
	if err := ss.s.HReplace(hashUsersByChat, byChat, ss.ttls.UserCache); err != nil {
		return err
	}
	return ss.s.HReplace(hashUsersByPhone, byPhone, ss.ttls.UserCache)
}

func (ss *SpaceStore) userFromHash(hash, field string) (*model.User, error) {
	blob, ok, err := ss.s.HGet(hash, field)
	if err != nil || !ok {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(blob), &u); err != nil {
		return nil, fmt.Errorf("decode cached user: %w", err)
	}
	return &u, nil
}

// UserByID returns the cached user, or nil when the cache has no entry
// (absent or expired).
func (ss *SpaceStore) UserByID(id int64) (*model.User, error) {
	return ss.userFromHash(hashUsersByID, strconv.FormatInt(id, 10))
}

// UserByChatID returns the cached user registered with the given chat
// platform id, or nil.
func (ss *SpaceStore) UserByChatID(chatID string) (*model.User, error) {
	return ss.userFromHash(hashUsersByChat, chatID)
}

// UserByPhone returns the cached user with the given phone number, or nil.
func (ss *SpaceStore) UserByPhone(phone string) (*model.User, error) {
	return ss.userFromHash(hashUsersByPhone, phone)
}

// CacheMachines replaces the machine cache with a directory snapshot,
// keyed by node machine name.
func (ss *SpaceStore) CacheMachines(machines []model.Machine) error {
	byNode := map[string]string{}
	for _, m := range machines {
		blob, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode machine %d: %w", m.ID, err)
		}
		byNode[m.NodeMachine] = string(blob)
	}
	return ss.s.HReplace(hashMachines, byNode, ss.ttls.UserCache)
}

// MachineByNode returns the cached machine with the given node machine
// name, or nil.
func (ss *SpaceStore) MachineByNode(node string) (*model.Machine, error) {
	blob, ok, err := ss.s.HGet(hashMachines, node)
	if err != nil || !ok {
		return nil, err
	}
	var m model.Machine
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return nil, fmt.Errorf("decode cached machine: %w", err)
	}
	return &m, nil
}

// CheckIn records a user as present, and bumps their last-seen mark.
func (ss *SpaceStore) CheckIn(userID int64, ts time.Time) error {
	key := strconv.FormatInt(userID, 10)
	val := strconv.FormatInt(ts.Unix(), 10)
	if err := ss.s.Set(nsCheckins, key, val, 0); err != nil {
		return err
	}
	return ss.s.Set(nsLastSeen, key, val, 0)
}

// CheckOut removes a user's presence record. Checking out a user who
// is not checked in is a no-op.
func (ss *SpaceStore) CheckOut(userID int64) error {
	return ss.s.Delete(nsCheckins, strconv.FormatInt(userID, 10))
}

func parseUserTimes(raw map[string]string) (map[int64]time.Time, error) {
	out := make(map[int64]time.Time, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user id key %q: %w", k, err)
		}
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q for user %s: %w", v, k, err)
		}
		out[id] = time.Unix(ts, 0).UTC()
	}
	return out, nil
}

// CheckIns returns everyone currently checked in with their check-in time.
func (ss *SpaceStore) CheckIns() (map[int64]time.Time, error) {
	raw, err := ss.s.Keys(nsCheckins)
	if err != nil {
		return nil, err
	}
	return parseUserTimes(raw)
}

// LastSeen returns the most recent check-in time per user, including
// users no longer present.
func (ss *SpaceStore) LastSeen() (map[int64]time.Time, error) {
	raw, err := ss.s.Keys(nsLastSeen)
	if err != nil {
		return nil, err
	}
	return parseUserTimes(raw)
}

// SetPendingActivation records a tag swipe on a machine node. The
// record expires if no power-on follows within the activation TTL.
func (ss *SpaceStore) SetPendingActivation(machine string, userID int64) error {
	return ss.s.Set(nsPending, machine, strconv.FormatInt(userID, 10), ss.ttls.PendingActivation)
}

// ConsumePendingActivation returns and clears the pending activation
// for a machine. The second return is false when there is none.
func (ss *SpaceStore) ConsumePendingActivation(machine string) (int64, bool, error) {
	val, ok, err := ss.s.Get(nsPending, machine)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := ss.s.Delete(nsPending, machine); err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad pending activation %q: %w", val, err)
	}
	return id, true, nil
}

// MachineOnRecord attributes a powered machine to a user.
type MachineOnRecord struct {
	UserID int64 `json:"user_id"`
	TS     int64 `json:"ts"`
}

// SetMachineOn marks a machine as powered by the given user.
func (ss *SpaceStore) SetMachineOn(machine string, userID int64, ts time.Time) error {
	blob, err := json.Marshal(MachineOnRecord{UserID: userID, TS: ts.Unix()})
	if err != nil {
		return err
	}
	if err := ss.s.Set(nsMachineOn, machine, string(blob), 0); err != nil {
		return err
	}
	return ss.s.SAdd(nsMachinesOn, machine)
}

// MachineOn returns the on-record for a machine, or false when the
// machine is off.
func (ss *SpaceStore) MachineOn(machine string) (MachineOnRecord, bool, error) {
	blob, ok, err := ss.s.Get(nsMachineOn, machine)
	if err != nil || !ok {
		return MachineOnRecord{}, false, err
	}
	var rec MachineOnRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return MachineOnRecord{}, false, fmt.Errorf("decode machine-on record: %w", err)
	}
	return rec, true, nil
}

// SetMachineOff clears a machine's on-record. Idempotent.
func (ss *SpaceStore) SetMachineOff(machine string) error {
	if err := ss.s.Delete(nsMachineOn, machine); err != nil {
		return err
	}
	return ss.s.SRem(nsMachinesOn, machine)
}

// MachinesOn lists the machines currently on, sorted by name.
func (ss *SpaceStore) MachinesOn() ([]string, error) {
	return ss.s.SMembers(nsMachinesOn)
}

// MachinesOnForUser lists the machines currently attributed to a user.
func (ss *SpaceStore) MachinesOnForUser(userID int64) ([]string, error) {
	all, err := ss.MachinesOn()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, machine := range all {
		rec, ok, err := ss.MachineOn(machine)
		if err != nil {
			return nil, err
		}
		if ok && rec.UserID == userID {
			out = append(out, machine)
		}
	}
	return out, nil
}

// SetHeartbeat records a machine's latest heartbeat state. The record
// expires after the heartbeat TTL, which is how silent machines are
// detected.
func (ss *SpaceStore) SetHeartbeat(machine, state string) error {
	return ss.s.Set(nsHeartbeat, machine, state, ss.ttls.Heartbeat)
}

// Heartbeat returns a machine's last heartbeat state; false when the
// machine has gone silent past the TTL.
func (ss *SpaceStore) Heartbeat(machine string) (string, bool, error) {
	return ss.s.Get(nsHeartbeat, machine)
}

// SetSpaceOpen records the position of the space switch.
func (ss *SpaceStore) SetSpaceOpen(open bool) error {
	return ss.s.Set(nsSpaceOpen, "open", strconv.FormatBool(open), 0)
}

// SpaceOpen reports the space switch position; false when never seen.
func (ss *SpaceStore) SpaceOpen() (bool, error) {
	val, ok, err := ss.s.Get(nsSpaceOpen, "open")
	if err != nil || !ok {
		return false, err
	}
	return val == "true", nil
}

// SetLights records one light group on or off.
func (ss *SpaceStore) SetLights(room string, on bool) error {
	if on {
		return ss.s.SAdd(nsLightsOn, room)
	}
	return ss.s.SRem(nsLightsOn, room)
}

// LightsOn lists the light groups currently on.
func (ss *SpaceStore) LightsOn() ([]string, error) {
	return ss.s.SMembers(nsLightsOn)
}

// AppendHistory stores a presence history line with the history TTL.
func (ss *SpaceStore) AppendHistory(hl model.HistoryLine) error {
	blob, err := json.Marshal(hl)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := ss.s.Set(nsHistoryLine, id, string(blob), ss.ttls.HistoryLines); err != nil {
		return err
	}
	return ss.s.SAdd(nsHistorySet, id)
}

// History returns the live history lines in chronological order.
// References to expired lines are pruned on the way.
func (ss *SpaceStore) History() ([]model.HistoryLine, error) {
	ids, err := ss.s.SMembers(nsHistorySet)
	if err != nil {
		return nil, err
	}
	var out []model.HistoryLine
	for _, id := range ids {
		blob, ok, err := ss.s.Get(nsHistoryLine, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := ss.s.SRem(nsHistorySet, id); err != nil {
				return nil, err
			}
			continue
		}
		var hl model.HistoryLine
		if err := json.Unmarshal([]byte(blob), &hl); err != nil {
			return nil, fmt.Errorf("decode history line: %w", err)
		}
		out = append(out, hl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// NudgeSent reports whether a reminder with this dedup key was already
// delivered.
func (ss *SpaceStore) NudgeSent(key string) (bool, error) {
	_, ok, err := ss.s.Get(nsNudges, key)
	return ok, err
}

// MarkNudgeSent records a reminder as delivered. Written only after
// delivery succeeded, so a crash in between re-sends rather than
// drops.
func (ss *SpaceStore) MarkNudgeSent(key string) error {
	return ss.s.Set(nsNudges, key, "1", 0)
}

// AddVolunteer signs a user up for a chore occurrence. Idempotent.
func (ss *SpaceStore) AddVolunteer(occurrenceKey string, userID int64) error {
	return ss.s.SAdd(nsVolunteers+":"+occurrenceKey, strconv.FormatInt(userID, 10))
}

// Volunteers lists the users signed up for a chore occurrence.
func (ss *SpaceStore) Volunteers(occurrenceKey string) ([]int64, error) {
	members, err := ss.s.SMembers(nsVolunteers + ":" + occurrenceKey)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad volunteer id %q: %w", m, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// NewLinkToken mints a short-lived token a user can present from a
// chat account to link it to their membership.
func (ss *SpaceStore) NewLinkToken(userID int64) (string, error) {
	token := uuid.NewString()
	if err := ss.s.Set(nsLinkToken, token, strconv.FormatInt(userID, 10), ss.ttls.LinkToken); err != nil {
		return "", err
	}
	return token, nil
}

// TakeLinkToken resolves and invalidates a link token. The second
// return is false for unknown or expired tokens.
func (ss *SpaceStore) TakeLinkToken(token string) (int64, bool, error) {
	val, ok, err := ss.s.Get(nsLinkToken, token)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := ss.s.Delete(nsLinkToken, token); err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad link token value %q: %w", val, err)
	}
	return id, true, nil
}

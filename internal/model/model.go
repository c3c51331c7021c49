// Package model defines the domain records shared across the
// aggregator: members, machines, lights and the presence history.
// Records are cached in the ephemeral store as JSON, so every type
// here carries stable json tags.
package model

import "strings"

// User is a space member as known by the membership directory.
type User struct {
	ID          int64  `json:"user_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	TelegramID  string `json:"telegram_user_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	UsesSignal  bool   `json:"uses_signal"`
	AlwaysEmail bool   `json:"always_uses_email"`
}

// FullName returns the user's display name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ChatAddress identifies a user on one chat platform.
type ChatAddress struct {
	Platform string // "signal" or "telegram"
	ID       string
}

// Platform names for chat delivery, in preference order.
const (
	PlatformSignal   = "signal"
	PlatformTelegram = "telegram"
)

// ChatAddresses returns the chat channels the user has registered, in
// delivery preference order: signal first, then telegram.
func (u User) ChatAddresses() []ChatAddress {
	var out []ChatAddress
	if u.UsesSignal && u.PhoneNumber != "" {
		out = append(out, ChatAddress{Platform: PlatformSignal, ID: u.PhoneNumber})
	}
	if u.TelegramID != "" {
		out = append(out, ChatAddress{Platform: PlatformTelegram, ID: u.TelegramID})
	}
	return out
}

// HasChatChannel reports whether at least one chat platform can reach
// the user.
func (u User) HasChatChannel() bool { return len(u.ChatAddresses()) > 0 }

// Machine is a powered tool wired to a control node.
type Machine struct {
	ID          int64  `json:"machine_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	NodeMachine string `json:"node_machine_name"`
	Node        string `json:"node_name"`
	Location    string `json:"location"`
}

// Light is a switchable light group in the space.
type Light struct {
	Label string `json:"label"`
	Name  string `json:"name"`
}

// AllLights enumerates the light groups the telemetry reports on.
var AllLights = []Light{
	{Label: "large_room", Name: "Large room"},
}

// LightByLabel looks a light up by its telemetry label.
func LightByLabel(label string) (Light, bool) {
	for _, l := range AllLights {
		if l.Label == label {
			return l, true
		}
	}
	return Light{}, false
}

// History line types.
const (
	HistoryUserEntered = "UserEntered"
	HistoryUserLeft    = "UserLeft"
)

// HistoryLine is one presence event kept in the rolling history.
type HistoryLine struct {
	Type        string `json:"hl_type"`
	UserID      int64  `json:"user_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Description string `json:"description"`
	Timestamp   int64  `json:"ts"`
}

// UserView is the user shape embedded in the space state read model.
type UserView struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
}

// View returns the read-model projection of the user.
func (u User) View() UserView {
	return UserView{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  u.FullName(),
		Email:     u.Email,
	}
}

// MachineView is the machine shape embedded in the space state read model.
type MachineView struct {
	MachineID int64  `json:"machine_id"`
	Name      string `json:"name"`
}

// View returns the read-model projection of the machine.
func (m Machine) View() MachineView {
	return MachineView{MachineID: m.ID, Name: m.Name}
}

// MachineOnView describes one machine that is currently powered, with
// the user it is attributed to.
type MachineOnView struct {
	Machine MachineView `json:"machine"`
	TS      string      `json:"ts"`
	TSHuman string      `json:"ts_human"`
	User    *UserView   `json:"user"`
}

// CheckinView describes one user currently checked into the space.
type CheckinView struct {
	User           *UserView       `json:"user"`
	TSCheckin      string          `json:"ts_checkin"`
	TSCheckinHuman string          `json:"ts_checkin_human"`
	MachinesOn     []MachineOnView `json:"machines_on"`
}

// SpaceState is the full snapshot served over HTTP and embedded in
// "who is in the space" replies.
type SpaceState struct {
	SpaceOpen    bool            `json:"space_open"`
	LightsOn     []Light         `json:"lights_on"`
	MachinesOn   []MachineOnView `json:"machines_on"`
	UsersInSpace []CheckinView   `json:"users_in_space"`
	History      []HistoryLine   `json:"history"`
}

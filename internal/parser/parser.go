// Package parser turns raw MQTT telemetry into typed events.
//
// The space's nodes publish free-text log lines, small JSON payloads
// and bare status strings on a handful of topics. Parse classifies
// each (topic, message) pair into exactly one of three outcomes: a
// typed [Event], an explicit ignore for known chatter, or
// [ErrUnrecognized] for traffic nobody has classified yet.
package parser

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnrecognized marks traffic that matched neither an event rule nor
// an ignore rule. Callers log it at warning level so new node firmware
// shows up in the logs instead of vanishing.
var ErrUnrecognized = errors.New("unrecognized telemetry message")

// Event is the sealed set of telemetry events. The only
// implementations live in this package, so consumers can dispatch with
// an exhaustive type switch.
type Event interface {
	isEvent()
}

// SpaceOpen reports the big space switch changing position.
type SpaceOpen struct {
	Open bool
}

// UserEntered reports a member unlocking the space door to come in.
type UserEntered struct {
	UserID int64
}

// UserLeft reports a member badging out at the space door.
type UserLeft struct {
	UserID int64
}

// MachineActivated reports a member swiping their tag on a machine's
// access node. The machine is not powered yet at this point.
type MachineActivated struct {
	UserID  int64
	Machine string
}

// MachinePower reports a machine's contactor switching on or off.
type MachinePower struct {
	Machine string
	On      bool
}

// MachineState is a periodic state heartbeat from a machine node.
type MachineState struct {
	Machine string
	State   State
}

// Lights reports a light group turning on or off.
type Lights struct {
	Room string
	On   bool
}

func (SpaceOpen) isEvent()        {}
func (UserEntered) isEvent()      {}
func (UserLeft) isEvent()         {}
func (MachineActivated) isEvent() {}
func (MachinePower) isEvent()     {}
func (MachineState) isEvent()     {}
func (Lights) isEvent()           {}

// State is the normalized machine heartbeat state.
type State string

// Heartbeat states as reported by machine nodes.
const (
	StateReady             State = "ready"
	StatePoweredIdle       State = "powered_idle"
	StatePoweredRunning    State = "powered_running"
	StateDoorHeldOpen      State = "door_held_open"
	StateDoorOpening       State = "door_opening"
	StateDoorClosing       State = "door_closing"
	StateCompressorRunning State = "compressor_running"
	StateCompressorOff     State = "compressor_off"
	StateLightsOn          State = "lights_on"
	StateLightsOff         State = "lights_off"
	StateBuzzingDoor       State = "buzzing_door"
	StateOutOfOrder        State = "out_of_order"
	StateContactorEnabled  State = "contactor_enabled"
)

var machineTopicRe = regexp.MustCompile(`^(?:ac|test)/log/(.*)$`)

// nodeStates maps the literal state string a node publishes to the
// normalized heartbeat state.
var nodeStates = map[string]State{
	"Waiting for card":         StateReady,
	"Powered - but idle":       StatePoweredIdle,
	"Running":                  StatePoweredRunning,
	"Door held open":           StateDoorHeldOpen,
	"Opening door":             StateDoorOpening,
	"Closing door":             StateDoorClosing,
	"Compressor runnning":      StateCompressorRunning, // sic, firmware typo
	"Powered - compressor off": StateCompressorOff,
	"Lights are ON":            StateLightsOn,
	"Powered - no lights":      StateLightsOff,
	"Buzzing door":             StateBuzzingDoor,
	"Out of order":             StateOutOfOrder,
	"Contactor Enabled":        StateContactorEnabled,
}

// powerPhrases are the exact log lines, minus the leading machine
// name, that signal a contactor switching.
var powerPhrases = map[string]bool{
	"Machine switched ON with the safety contacto green on-button.":                        true,
	"Green button on safety contactor pressed.":                                            true,
	"Switched on - green button at the back pressed.":                                      true,
	"Machine switched OFF with the safety contactor off-button.":                           false,
	"Switching off - red button at the back pressed.":                                      false,
	"Switching off - card swiped but the green button was not pressed within 120 seconds.": false,
	"Switching off - red button at the back pressed - while running - BAD !":               false,
	"Machine idle for too long - switching off.":                                           false,
	"Machine switched OFF with the off-button.":                                            false,
}

// accessPayload is the JSON published by the access-control master.
type accessPayload struct {
	UserID  int64  `json:"userid"`
	Machine string `json:"machine"`
	ACL     string `json:"acl"`
	Cmd     string `json:"cmd"`
}

type statePayload struct {
	Machine string `json:"machine"`
	State   string `json:"state"`
}

// Parse classifies one telemetry message. It returns (event, nil) for
// recognized events, (nil, nil) for traffic on the ignore lists, and
// (nil, ErrUnrecognized) otherwise. Malformed JSON in an otherwise
// recognized rule is line noise from the nodes, not a new message
// shape, and is ignored.
func Parse(topic, message string) (Event, error) {
	switch topic {
	case "makerspace/groteschakelaar":
		return SpaceOpen{Open: message == "1"}, nil
	case "makerspace/groteschakelaar/status":
		return SpaceOpen{Open: message == "open"}, nil
	case "makerspace/groteschakelaar/status/":
		if message == "werkend" {
			return nil, nil
		}
	}

	if topic == "ac/log/master" && strings.HasPrefix(message, "JSON=") {
		var p accessPayload
		if err := json.Unmarshal([]byte(message[5:]), &p); err != nil {
			return nil, nil
		}
		switch {
		case p.UserID != 0 && p.Machine == "spacedeur" && p.ACL == "approved" && p.Cmd == "leave":
			return UserLeft{UserID: p.UserID}, nil
		case p.UserID != 0 && p.Machine == "spacedeur" && p.ACL == "approved" && p.Cmd == "energize":
			return UserEntered{UserID: p.UserID}, nil
		case p.UserID != 0 && p.Machine != "" && p.ACL == "approved":
			return MachineActivated{UserID: p.UserID, Machine: p.Machine}, nil
		}
	}

	if topic == "test/log/lights" && strings.HasPrefix(message, "lights {") {
		var p statePayload
		if err := json.Unmarshal([]byte(message[7:]), &p); err != nil {
			return nil, nil
		}
		if p.Machine == "lights" {
			switch p.State {
			case "Powered - no lights":
				return Lights{Room: "large_room", On: false}, nil
			case "Lights are ON":
				return Lights{Room: "large_room", On: true}, nil
			}
		}
	}

	if m := machineTopicRe.FindStringSubmatch(topic); m != nil {
		machine := m[1]
		if strings.HasPrefix(message, machine) && strings.HasSuffix(message, "Connected.") {
			return nil, nil
		}
		if rest, ok := strings.CutPrefix(message, machine+" "); ok {
			if on, known := powerPhrases[rest]; known {
				return MachinePower{Machine: machine, On: on}, nil
			}
			if strings.HasPrefix(rest, "{") {
				var p statePayload
				if err := json.Unmarshal([]byte(rest), &p); err != nil {
					return nil, nil
				}
				if st, known := nodeStates[p.State]; known {
					return MachineState{Machine: machine, State: st}, nil
				}
			}
		}
	}

	if ignored(topic, message) {
		return nil, nil
	}
	return nil, ErrUnrecognized
}

// ignorePairs lists exact (topic, message) combinations of known noise.
var ignorePairs = map[[2]string]struct{}{
	{"makerspace/grotelasercutter", "offline"}:  {},
	{"makerspace/kleinelasercutter", "offline"}: {},
	{"makerspace/switch", "online"}:             {},
	{"makerspace/vogelkooi/chirp", "0"}:         {},
	{"ac/log/master", "Got disconnected: error 1"}:                    {},
	{"ac/log/voordeur", "voordeur Requesting approval"}:               {},
	{"test/log/lights", "lights Lights are on."}:                      {},
	{"ac/log/lights", "lights Lights are on."}:                        {},
	{"test/log/dewalt", "dewalt DeWalt powered on, not running."}:     {},
	{"test/log/dewalt", "dewalt DeWalt is actually running."}:         {},
	{"test/log/compressor", "compressor 0.0.0.0 Connected."}:          {},
	{"ac/log/woodlathe", "woodlathe Problem with the interlock -- is the big green connector unseated ?"}:      {},
	{"ac/log/woodlathe", "woodlathe Very strange - current observed while we are 'off'. Should not happen."}:   {},
}

// ignoreTopics lists topics whose traffic is noise regardless of payload.
var ignoreTopics = map[string]struct{}{
	"makerspace/deur/voor":       {},
	"makerspace/deur/tussen":     {},
	"makerspace/deur/space2":     {},
	"makerspace/grotelasercutter": {},
}

// ignoreSubstrings lists fragments of node chatter that carry no state.
var ignoreSubstrings = []string{
	"Time warp by",
	"Warning: LOW Loop rate",
	"(Re)calculated session key",
	"(re)Connected to",
	"(re)Subscribed.",
	"MySQL Connection not available",
	" approved action ",
	" Received OK to power on ",
	" Time-out; transition from ",
	" Requesting approval",
	" Changed from state ",
	"Control node is switched off - but voltage on motor detected",
	"Out of order energize/denied command received",
	"Motor started",
	"Motor stopped",
	"Failing HELO on",
	"SIG/2 ready",
	"Allowing beats to be",
	"Adjusting beat significantly",
	"List email not sent",
	"Compressor running",
	"swiped - needed a LIKE",
	"rejecting without a nonce",
	"Countdown to forced reboot",
	"Learned a public key of node",
	"key of master, stored in persistent store",
	"OTA: Begin failed",
	"Failed to send",
	"seconds off (max leeway is",
}

func ignored(topic, message string) bool {
	if _, ok := ignorePairs[[2]string{topic, message}]; ok {
		return true
	}
	if _, ok := ignoreTopics[topic]; ok {
		return true
	}
	if topic == "ac/log/voordeur" && strings.HasPrefix(message, "voordeur {") {
		return true
	}
	// SIG/2.0 frames are the nodes' signed heartbeat protocol; the
	// master handles them, we don't.
	if strings.HasPrefix(message, "SIG/2.0 ") {
		return true
	}
	if topic == "test/master/exhaustnode" &&
		(strings.Contains(message, "event manual-start") || strings.Contains(message, "event manual-stop")) {
		return true
	}
	if topic == "ac/log/master" && strings.HasPrefix(message, "Announce of") {
		return true
	}
	if topic == "ac/log/master" && strings.Contains(message, "not found either DB") {
		return true
	}
	for _, s := range ignoreSubstrings {
		if strings.Contains(message, s) {
			return true
		}
	}
	return false
}

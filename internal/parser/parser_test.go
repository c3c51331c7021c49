package parser

import (
	"errors"
	"testing"
)

func TestSpaceSwitch(t *testing.T) {
	tests := []struct {
		topic, message string
		want           Event
	}{
		{"makerspace/groteschakelaar", "1", SpaceOpen{Open: true}},
		{"makerspace/groteschakelaar", "0", SpaceOpen{Open: false}},
		{"makerspace/groteschakelaar/status", "open", SpaceOpen{Open: true}},
		{"makerspace/groteschakelaar/status", "closed", SpaceOpen{Open: false}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if err != nil {
			t.Fatalf("Parse(%q, %q): %v", tc.topic, tc.message, err)
		}
		if got != tc.want {
			t.Errorf("Parse(%q, %q) = %#v, want %#v", tc.topic, tc.message, got, tc.want)
		}
	}

	got, err := Parse("makerspace/groteschakelaar/status/", "werkend")
	if got != nil || err != nil {
		t.Errorf("status heartbeat: got %#v, %v; want ignore", got, err)
	}
}

func TestSpaceDoor(t *testing.T) {
	enter := `JSON={"ok": true, "userid": 22, "name": "Stefano Masini", "machine": "spacedeur", "acl": "approved", "cmd": "energize"}`
	got, err := Parse("ac/log/master", enter)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != (UserEntered{UserID: 22}) {
		t.Errorf("enter = %#v, want UserEntered{22}", got)
	}

	leave := `JSON={"ok": true, "userid": 22, "name": "Stefano Masini", "machine": "spacedeur", "acl": "approved", "cmd": "leave"}`
	got, err = Parse("ac/log/master", leave)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != (UserLeft{UserID: 22}) {
		t.Errorf("leave = %#v, want UserLeft{22}", got)
	}
}

func TestMachineActivation(t *testing.T) {
	msg := `JSON={"ok": true, "userid": 22, "machine": "tablesaw", "acl": "approved"}`
	got, err := Parse("ac/log/master", msg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != (MachineActivated{UserID: 22, Machine: "tablesaw"}) {
		t.Errorf("activation = %#v", got)
	}
}

func TestMachinePower(t *testing.T) {
	tests := []struct {
		topic, message string
		want           MachinePower
	}{
		{"ac/log/tablesaw", "tablesaw Machine switched ON with the safety contacto green on-button.", MachinePower{"tablesaw", true}},
		{"ac/log/planer", "planer Green button on safety contactor pressed.", MachinePower{"planer", true}},
		{"test/log/dewalt", "dewalt Switched on - green button at the back pressed.", MachinePower{"dewalt", true}},
		{"ac/log/tablesaw", "tablesaw Machine switched OFF with the safety contactor off-button.", MachinePower{"tablesaw", false}},
		{"ac/log/planer", "planer Switching off - red button at the back pressed.", MachinePower{"planer", false}},
		{"ac/log/tablesaw", "tablesaw Switching off - card swiped but the green button was not pressed within 120 seconds.", MachinePower{"tablesaw", false}},
		{"ac/log/tablesaw", "tablesaw Machine idle for too long - switching off.", MachinePower{"tablesaw", false}},
		{"ac/log/woodlathe", "woodlathe Machine switched OFF with the off-button.", MachinePower{"woodlathe", false}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if err != nil {
			t.Fatalf("Parse(%q, %q): %v", tc.topic, tc.message, err)
		}
		if got != tc.want {
			t.Errorf("Parse(%q, %q) = %#v, want %#v", tc.topic, tc.message, got, tc.want)
		}
	}
}

func TestMachineStateHeartbeat(t *testing.T) {
	tests := []struct {
		topic, message string
		want           MachineState
	}{
		{"ac/log/tablesaw", `tablesaw {"state": "Waiting for card"}`, MachineState{"tablesaw", StateReady}},
		{"ac/log/tablesaw", `tablesaw {"state": "Powered - but idle"}`, MachineState{"tablesaw", StatePoweredIdle}},
		{"ac/log/tablesaw", `tablesaw {"state": "Running"}`, MachineState{"tablesaw", StatePoweredRunning}},
		{"test/log/compressor", `compressor {"state": "Compressor runnning"}`, MachineState{"compressor", StateCompressorRunning}},
		{"test/log/compressor", `compressor {"state": "Powered - compressor off"}`, MachineState{"compressor", StateCompressorOff}},
		{"ac/log/spacedeur", `spacedeur {"state": "Buzzing door"}`, MachineState{"spacedeur", StateBuzzingDoor}},
		{"ac/log/woodlathe", `woodlathe {"state": "Out of order"}`, MachineState{"woodlathe", StateOutOfOrder}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if err != nil {
			t.Fatalf("Parse(%q, %q): %v", tc.topic, tc.message, err)
		}
		if got != tc.want {
			t.Errorf("Parse(%q, %q) = %#v, want %#v", tc.topic, tc.message, got, tc.want)
		}
	}
}

func TestLights(t *testing.T) {
	on, err := Parse("test/log/lights", `lights {"machine": "lights", "state": "Lights are ON"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if on != (Lights{Room: "large_room", On: true}) {
		t.Errorf("lights on = %#v", on)
	}

	off, err := Parse("test/log/lights", `lights {"machine": "lights", "state": "Powered - no lights"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if off != (Lights{Room: "large_room", On: false}) {
		t.Errorf("lights off = %#v", off)
	}
}

func TestIgnoredTraffic(t *testing.T) {
	tests := []struct{ topic, message string }{
		{"makerspace/grotelasercutter", "offline"},
		{"makerspace/switch", "online"},
		{"makerspace/deur/voor", "anything at all"},
		{"ac/log/voordeur", `voordeur {"state": "Waiting for card"}`},
		{"ac/log/tablesaw", "tablesaw 10.0.0.12 Connected."},
		{"ac/log/master", "Announce of tablesaw on 10.0.0.12"},
		{"ac/log/master", "tag 1-2-3 not found either DB"},
		{"ac/log/somenode", "SIG/2.0 9fd3 somenode beat"},
		{"test/master/exhaustnode", "exhaustnode event manual-start requested"},
		{"ac/log/tablesaw", "tablesaw Warning: LOW Loop rate (2.1Hz)"},
		{"ac/log/woodlathe", "woodlathe Motor started"},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if got != nil || err != nil {
			t.Errorf("Parse(%q, %q) = %#v, %v; want ignore", tc.topic, tc.message, got, err)
		}
	}
}

func TestMalformedJSONIgnored(t *testing.T) {
	tests := []struct{ topic, message string }{
		{"ac/log/master", "JSON={not json"},
		{"test/log/lights", "lights {truncated"},
		{"ac/log/tablesaw", `tablesaw {"state": `},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if got != nil || err != nil {
			t.Errorf("Parse(%q, %q) = %#v, %v; want ignore", tc.topic, tc.message, got, err)
		}
	}
}

func TestUnrecognizedTraffic(t *testing.T) {
	tests := []struct{ topic, message string }{
		{"some/new/topic", "hello"},
		{"ac/log/tablesaw", "tablesaw something firmware never said before"},
		{"ac/log/tablesaw", `tablesaw {"state": "A brand new state"}`},
	}
	for _, tc := range tests {
		got, err := Parse(tc.topic, tc.message)
		if !errors.Is(err, ErrUnrecognized) {
			t.Errorf("Parse(%q, %q) = %#v, %v; want ErrUnrecognized", tc.topic, tc.message, got, err)
		}
	}
}

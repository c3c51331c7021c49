package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/aggregator"
	"github.com/makerspaceleiden/aggregator/internal/bot"
	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/directory"
	"github.com/makerspaceleiden/aggregator/internal/events"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/notify"
	"github.com/makerspaceleiden/aggregator/internal/state"
	"github.com/makerspaceleiden/aggregator/internal/store"
	"github.com/makerspaceleiden/aggregator/internal/tasks"
	"github.com/makerspaceleiden/aggregator/internal/worker"
)

type emptyDirectory struct{}

func (emptyDirectory) AllUsers(context.Context) ([]model.User, error) { return nil, nil }
func (emptyDirectory) AllMachines(context.Context) ([]model.Machine, error) {
	return nil, nil
}
func (emptyDirectory) AllChores(context.Context) ([]chores.Definition, error) {
	return nil, nil
}
func (emptyDirectory) StoreChatID(context.Context, int64, string) error { return nil }

type nullEmail struct{}

func (nullEmail) SendToUser(context.Context, model.User, notify.Message) error { return nil }
func (nullEmail) SendToAddress(context.Context, string, string, notify.Message) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock(time.Date(2019, 2, 3, 8, 55, 0, 0, time.UTC))

	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ss := state.New(s, state.TTLs{
		UserCache:         time.Minute,
		PendingActivation: 90 * time.Second,
		Heartbeat:         time.Hour,
		LinkToken:         5 * time.Minute,
		HistoryLines:      7 * 24 * time.Hour,
	})

	bus := events.New()
	agg := aggregator.New(
		ss, emptyDirectory{}, directory.NopRecorder{},
		notify.NewNotifier(nullEmail{}, logger),
		chores.NewEngine(nil, time.UTC),
		bot.NewStates(clk),
		tasks.NewScheduler(clk, logger),
		bus, clk, time.UTC,
		aggregator.Config{ChoresHorizon: 90 * 24 * time.Hour},
		logger,
	)

	queue := worker.NewQueue(8, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Run(ctx)

	return NewServer("", 0, queue, agg, bus, logger)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestHandleState(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleState(rec, httptest.NewRequest("GET", "/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var snap model.SpaceState
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Empty state still renders arrays, not nulls.
	raw := rec.Body.String()
	for _, key := range []string{`"users_in_space":[]`, `"machines_on":[]`, `"history":[]`} {
		if !strings.Contains(raw, key) {
			t.Errorf("state JSON missing %s: %s", key, raw)
		}
	}
}

func TestHandleChores(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleChores(rec, httptest.NewRequest("GET", "/chores", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("chores JSON = %s", rec.Body.String())
	}
}

func TestHandleBotMessage_Unregistered(t *testing.T) {
	srv := newTestServer(t)
	body := strings.NewReader(`{"chat_id":"signal-+31600000000","text":"who"}`)
	rec := httptest.NewRecorder()
	srv.handleBotMessage(rec, httptest.NewRequest("POST", "/bot/message", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp botMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Text, "connect your CRM account") {
		t.Errorf("reply = %q", resp.Text)
	}
}

func TestHandleBotMessage_BadRequest(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleBotMessage(rec, httptest.NewRequest("POST", "/bot/message", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleBotMessage(rec, httptest.NewRequest("POST", "/bot/message", strings.NewReader(`{"text":"who"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing chat_id: status = %d", rec.Code)
	}
}

func TestHandleConnectQR_MissingUser(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleConnectQR(rec, httptest.NewRequest("GET", "/connect/qr", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

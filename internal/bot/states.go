// Package bot holds the per-conversation state that drives command
// interpretation: idle, awaiting a checkout confirmation, or awaiting
// a volunteering confirmation. State lives in memory only — a restart
// simply drops half-finished conversations back to idle.
package bot

import (
	"time"

	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/clock"
)

// Kind tags the conversation state.
type Kind int

// Conversation states.
const (
	StateNone Kind = iota
	StateConfirmCheckout
	StateConfirmVolunteering
)

// State is one conversation's pending interaction.
type State struct {
	Kind Kind

	// ExpiresAt bounds how long the bot waits for an answer; zero
	// means no expiry.
	ExpiresAt time.Time

	// CheckinAt carries the check-in time through a checkout
	// confirmation.
	CheckinAt time.Time

	// Occurrence carries the chore occurrence through a volunteering
	// confirmation.
	Occurrence *chores.Occurrence
}

// States maps conversation ids ("signal-<phone>", "telegram-<id>") to
// their pending state. All access happens on the worker goroutine.
type States struct {
	clk clock.Clock
	m   map[string]State
}

// NewStates builds an empty state table.
func NewStates(clk clock.Clock) *States {
	return &States{clk: clk, m: map[string]State{}}
}

// Get returns the conversation's state. An expired state is cleared
// and reported as StateNone.
func (s *States) Get(chatID string) State {
	st, ok := s.m[chatID]
	if !ok {
		return State{Kind: StateNone}
	}
	if !st.ExpiresAt.IsZero() && !s.clk.Now().Before(st.ExpiresAt) {
		delete(s.m, chatID)
		return State{Kind: StateNone}
	}
	return st
}

// Set replaces the conversation's state.
func (s *States) Set(chatID string, st State) {
	s.m[chatID] = st
}

// Clear resets the conversation to idle.
func (s *States) Clear(chatID string) {
	delete(s.m, chatID)
}

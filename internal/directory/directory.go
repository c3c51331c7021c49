// Package directory is the boundary to the membership administration:
// the relational database holding users, machines and chore
// definitions, and the CRM's REST API for check-in bookkeeping. The
// database is a slow, authoritative source — everything read here is
// cached in the ephemeral store with an expiry by the aggregator.
package directory

import (
	"context"

	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/model"
)

// Directory is the read side of the membership administration.
type Directory interface {
	// AllUsers returns every member with their contact channels and
	// notification preferences.
	AllUsers(ctx context.Context) ([]model.User, error)

	// AllMachines returns every registered machine.
	AllMachines(ctx context.Context) ([]model.Machine, error)

	// AllChores returns the configured chore definitions.
	AllChores(ctx context.Context) ([]chores.Definition, error)

	// StoreChatID links a chat-platform account to a member.
	StoreChatID(ctx context.Context, userID int64, chatID string) error
}

// CheckinRecorder mirrors presence changes into the CRM. Failures are
// logged by callers and never block the aggregator.
type CheckinRecorder interface {
	RecordCheckIn(ctx context.Context, userID int64) error
	RecordCheckOut(ctx context.Context, userID int64) error
}

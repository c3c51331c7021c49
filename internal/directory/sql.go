package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/model"
)

// SQLDirectory reads the membership administration's database. It
// works against any database/sql driver; the production deployment
// points it at the CRM's database, tests at a local SQLite file.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// AllUsers implements Directory.
func (d *SQLDirectory) AllUsers(ctx context.Context) ([]model.User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, email,
		       COALESCE(telegram_user_id, ''), COALESCE(phone_number, ''),
		       uses_signal, always_uses_email
		FROM members_user`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email,
			&u.TelegramID, &u.PhoneNumber, &u.UsesSignal, &u.AlwaysEmail); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AllMachines implements Directory.
func (d *SQLDirectory) AllMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT acl_machine.id, acl_machine.name, acl_machine.description,
		       acl_machine.node_machine_name, acl_machine.node_name,
		       acl_location.name
		FROM acl_machine
		JOIN acl_location ON acl_machine.location_id = acl_location.id`)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var out []model.Machine
	for rows.Next() {
		var m model.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.Description,
			&m.NodeMachine, &m.Node, &m.Location); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllChores implements Directory. The schedule columns map onto the
// chore engine's schedule kinds: cron expression, fixed interval in
// days from the anchor, or a single fixed occurrence.
func (d *SQLDirectory) AllChores(ctx context.Context) ([]chores.Definition, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, description, min_required_people,
		       schedule_kind, COALESCE(cron_expression, ''),
		       COALESCE(interval_days, 0), anchor_ts
		FROM chores_chore`)
	if err != nil {
		return nil, fmt.Errorf("query chores: %w", err)
	}
	defer rows.Close()

	var out []chores.Definition
	for rows.Next() {
		var def chores.Definition
		var kind, cronExpr string
		var intervalDays int
		var anchorTS int64
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &def.MinVolunteers,
			&kind, &cronExpr, &intervalDays, &anchorTS); err != nil {
			return nil, fmt.Errorf("scan chore: %w", err)
		}
		def.Schedule = chores.Schedule{
			Kind:   chores.ScheduleKind(kind),
			Cron:   cronExpr,
			Every:  time.Duration(intervalDays) * 24 * time.Hour,
			Anchor: time.Unix(anchorTS, 0).UTC(),
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// StoreChatID implements Directory. Chat ids are stored on the member
// record so they survive cache refreshes.
func (d *SQLDirectory) StoreChatID(ctx context.Context, userID int64, chatID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE members_user SET telegram_user_id = ? WHERE id = ?`,
		chatID, userID)
	if err != nil {
		return fmt.Errorf("store chat id for user %d: %w", userID, err)
	}
	return nil
}

package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"crewtrack/internal/logging"
	"crewtrack/internal/model"
)

// NotifyChannel is the Postgres channel the change triggers notify on.
const NotifyChannel = "crewtrack_changes"

// PGListener relays Postgres change notifications to a Broker. It is a
// suture service: Serve returns on connection failure and is restarted by
// its supervisor.
type PGListener struct {
	DSN    string
	Broker Broker
}

func NewPGListener(dsn string, b Broker) *PGListener {
	return &PGListener{DSN: dsn, Broker: b}
}

func (l *PGListener) String() string { return "pg-listener" }

func (l *PGListener) Serve(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.DSN)
	if err != nil {
		return fmt.Errorf("pg listener connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logging.Info().Str("channel", NotifyChannel).Msg("listening for row changes")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		c, err := DecodeNotification(n.Payload)
		if err != nil {
			logging.Warn().Err(err).Msg("drop malformed notification")
			continue
		}
		if c.Truncated && c.Type != Delete {
			if err := hydrate(ctx, conn, &c); err != nil {
				logging.Warn().Err(err).Str("table", c.Table).Msg("re-read truncated change")
			}
		}
		l.Broker.Publish(c)
	}
}

var notifyTables = map[string]bool{
	model.TableOrganizations: true,
	model.TableCrewMembers:   true,
	model.TableLocations:     true,
	model.TableAssignments:   true,
	model.TableCrewLocations: true,
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// hydrate replaces the key-only New row of a truncated change with the
// current row. A row deleted in the meantime leaves the keys in place.
func hydrate(ctx context.Context, q rowQuerier, c *Change) error {
	id, ok := c.New["id"]
	if !ok || !notifyTables[c.Table] {
		return fmt.Errorf("truncated %s change has no usable key", c.Table)
	}
	var raw []byte
	sql := "SELECT to_jsonb(t) FROM " + pgx.Identifier{c.Table}.Sanitize() + " t WHERE t.id = $1"
	if err := q.QueryRow(ctx, sql, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return err
	}
	c.New = row
	return nil
}

// DecodeNotification parses the JSON payload built by the notify trigger.
func DecodeNotification(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, err
	}
	if c.Table == "" || c.Type == "" {
		return Change{}, fmt.Errorf("notification missing table or type")
	}
	return c, nil
}

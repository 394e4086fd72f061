package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crewtrack/internal/logging"
	"crewtrack/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production store. Row changes reach subscribers through the
// notify triggers installed by the migrations, not through this type.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(p.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	if dirty {
		logging.Warn().Uint("version", version).Msg("database migration left dirty")
	} else {
		logging.Info().Uint("version", version).Msg("database migrated")
	}
	return nil
}

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		case "23503", "22P02": // foreign_key_violation, invalid_text_representation
			return fmt.Errorf("%s: %w", pgErr.Message, ErrNotFound)
		}
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Organizations

func (p *Postgres) GetOrganization(ctx context.Context, id string) (model.Organization, error) {
	var o model.Organization
	err := p.db.QueryRowContext(ctx, `SELECT id::text, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	return o, mapErr(err)
}

func (p *Postgres) CreateOrganization(ctx context.Context, name string) (model.Organization, error) {
	o := model.Organization{Name: name}
	err := p.db.QueryRowContext(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id::text, created_at`, name).
		Scan(&o.ID, &o.CreatedAt)
	return o, mapErr(err)
}

// Crew members

const crewMemberCols = `id::text, COALESCE(user_id, ''), name, COALESCE(email, ''), role, organization_id::text, last_active_at, created_at`

func scanCrewMember(r rowScanner) (model.CrewMember, error) {
	var c model.CrewMember
	var last sql.NullTime
	if err := r.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Role, &c.OrganizationID, &last, &c.CreatedAt); err != nil {
		return c, err
	}
	if last.Valid {
		t := last.Time
		c.LastActiveAt = &t
	}
	return c, nil
}

func (p *Postgres) ListCrewMembers(ctx context.Context, orgID string) ([]model.CrewMember, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+crewMemberCols+` FROM crew_members WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []model.CrewMember{}
	for rows.Next() {
		c, err := scanCrewMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) GetCrewMember(ctx context.Context, id string) (model.CrewMember, error) {
	c, err := scanCrewMember(p.db.QueryRowContext(ctx, `SELECT `+crewMemberCols+` FROM crew_members WHERE id = $1`, id))
	return c, mapErr(err)
}

func (p *Postgres) GetCrewMemberByUserID(ctx context.Context, userID string) (model.CrewMember, error) {
	c, err := scanCrewMember(p.db.QueryRowContext(ctx, `SELECT `+crewMemberCols+` FROM crew_members WHERE user_id = $1`, userID))
	return c, mapErr(err)
}

func (p *Postgres) CreateCrewMember(ctx context.Context, c model.CrewMember) (model.CrewMember, error) {
	q := `INSERT INTO crew_members (user_id, name, email, role, organization_id) VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + crewMemberCols
	out, err := scanCrewMember(p.db.QueryRowContext(ctx, q, nullIfEmpty(c.UserID), c.Name, nullIfEmpty(c.Email), c.Role, c.OrganizationID))
	return out, mapErr(err)
}

func (p *Postgres) DeleteCrewMember(ctx context.Context, orgID, id string) error {
	return p.execOne(ctx, `DELETE FROM crew_members WHERE id = $1 AND organization_id = $2`, id, orgID)
}

func (p *Postgres) execOne(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Locations

const locationCols = `id::text, name, COALESCE(address, ''), COALESCE(phone, ''), COALESCE(email, ''), latitude, longitude,
	status, geofence_details, COALESCE(notes, ''), organization_id::text, created_at`

func scanLocation(r rowScanner) (model.Location, error) {
	var l model.Location
	var lat, lng sql.NullFloat64
	var geofence []byte
	if err := r.Scan(&l.ID, &l.Name, &l.Address, &l.Phone, &l.Email, &lat, &lng, &l.Status, &geofence, &l.Notes, &l.OrganizationID, &l.CreatedAt); err != nil {
		return l, err
	}
	if lat.Valid {
		v := lat.Float64
		l.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		l.Longitude = &v
	}
	if len(geofence) > 0 {
		l.GeofenceDetails = append([]byte(nil), geofence...)
	}
	return l, nil
}

func locationArgs(in model.LocationInput) []any {
	status := in.Status
	if status == "" {
		status = defaultLocationStatus
	}
	return []any{in.Name, nullIfEmpty(in.Address), nullIfEmpty(in.Phone), nullIfEmpty(in.Email),
		in.Latitude, in.Longitude, status, jsonOrNil(in.GeofenceDetails), nullIfEmpty(in.Notes)}
}

func (p *Postgres) ListLocations(ctx context.Context, orgID string) ([]model.Location, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+locationCols+` FROM locations WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []model.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) GetLocation(ctx context.Context, orgID, id string) (model.Location, error) {
	l, err := scanLocation(p.db.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE id = $1 AND organization_id = $2`, id, orgID))
	return l, mapErr(err)
}

func (p *Postgres) CreateLocation(ctx context.Context, orgID string, in model.LocationInput) (model.Location, error) {
	q := `INSERT INTO locations (name, address, phone, email, latitude, longitude, status, geofence_details, notes, organization_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10) RETURNING ` + locationCols
	l, err := scanLocation(p.db.QueryRowContext(ctx, q, append(locationArgs(in), orgID)...))
	return l, mapErr(err)
}

func (p *Postgres) UpdateLocation(ctx context.Context, orgID, id string, in model.LocationInput) (model.Location, error) {
	q := `UPDATE locations SET name = $1, address = $2, phone = $3, email = $4, latitude = $5, longitude = $6,
		status = $7, geofence_details = $8::jsonb, notes = $9
		WHERE id = $10 AND organization_id = $11 RETURNING ` + locationCols
	l, err := scanLocation(p.db.QueryRowContext(ctx, q, append(locationArgs(in), id, orgID)...))
	return l, mapErr(err)
}

func (p *Postgres) DeleteLocation(ctx context.Context, orgID, id string) error {
	return p.execOne(ctx, `DELETE FROM locations WHERE id = $1 AND organization_id = $2`, id, orgID)
}

// Assignments

const assignmentSelect = `SELECT a.id::text, a.crew_member_id::text, a.location_id::text, a.status, a.notes,
	COALESCE(a.organization_id::text, ''), a.created_at, c.name, l.name, COALESCE(l.address, '')
	FROM crew_assignments a
	JOIN crew_members c ON c.id = a.crew_member_id
	JOIN locations l ON l.id = a.location_id`

func scanAssignment(r rowScanner) (model.CrewAssignment, error) {
	var a model.CrewAssignment
	err := r.Scan(&a.ID, &a.CrewMemberID, &a.LocationID, &a.Status, &a.Notes, &a.OrganizationID, &a.CreatedAt,
		&a.CrewMemberName, &a.LocationName, &a.LocationAddress)
	return a, err
}

func (p *Postgres) ListAssignments(ctx context.Context, orgID string) ([]model.CrewAssignment, error) {
	rows, err := p.db.QueryContext(ctx, assignmentSelect+` WHERE a.organization_id = $1 ORDER BY a.created_at DESC`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []model.CrewAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) getAssignment(ctx context.Context, id string) (model.CrewAssignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, assignmentSelect+` WHERE a.id = $1`, id))
	return a, mapErr(err)
}

func (p *Postgres) ListActiveAssignments(ctx context.Context, crewMemberID string) ([]model.AssignedLocation, error) {
	q := `SELECT a.id::text, a.status, a.notes,
		l.id::text, l.name, COALESCE(l.address, ''), COALESCE(l.phone, ''), COALESCE(l.email, ''), l.latitude, l.longitude,
		l.status, l.geofence_details, COALESCE(l.notes, ''), l.organization_id::text, l.created_at
		FROM crew_assignments a JOIN locations l ON l.id = a.location_id
		WHERE a.crew_member_id = $1 AND a.status NOT IN ('completed', 'cancelled')
		ORDER BY a.created_at`
	rows, err := p.db.QueryContext(ctx, q, crewMemberID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []model.AssignedLocation{}
	for rows.Next() {
		var al model.AssignedLocation
		var head [3]any
		head[0], head[1], head[2] = &al.AssignmentID, &al.AssignmentStatus, &al.AssignmentNotes
		l, err := scanLocation(scanFunc(func(dest ...any) error {
			return rows.Scan(append(head[:], dest...)...)
		}))
		if err != nil {
			return nil, err
		}
		al.Location = l
		out = append(out, al)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func (p *Postgres) CreateAssignment(ctx context.Context, in model.AssignmentInput) (model.CrewAssignment, error) {
	// organization_id is stamped by trigger; the join keeps member and location in one organization
	q := `INSERT INTO crew_assignments (crew_member_id, location_id, notes)
		SELECT c.id, l.id, $3 FROM crew_members c JOIN locations l ON l.organization_id = c.organization_id
		WHERE c.id = $1::uuid AND l.id = $2::uuid
		RETURNING id::text`
	var id string
	if err := p.db.QueryRowContext(ctx, q, in.CrewMemberID, in.LocationID, in.Notes).Scan(&id); err != nil {
		return model.CrewAssignment{}, mapErr(err)
	}
	return p.getAssignment(ctx, id)
}

func (p *Postgres) UpdateAssignment(ctx context.Context, orgID, id string, patch model.AssignmentPatch) (model.CrewAssignment, error) {
	q := `UPDATE crew_assignments SET status = COALESCE($1, status), notes = COALESCE($2, notes)
		WHERE id = $3 AND organization_id = $4 RETURNING id::text`
	var status, notes any
	if patch.Status != nil {
		status = *patch.Status
	}
	if patch.Notes != nil {
		notes = *patch.Notes
	}
	var out string
	if err := p.db.QueryRowContext(ctx, q, status, notes, id, orgID).Scan(&out); err != nil {
		return model.CrewAssignment{}, mapErr(err)
	}
	return p.getAssignment(ctx, out)
}

func (p *Postgres) DeleteAssignment(ctx context.Context, orgID, id string) error {
	return p.execOne(ctx, `DELETE FROM crew_assignments WHERE id = $1 AND organization_id = $2`, id, orgID)
}

// Positions

func (p *Postgres) InsertPosition(ctx context.Context, crewMemberID string, lat, lng float64, at time.Time) (model.CrewLocation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CrewLocation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	pos := model.CrewLocation{CrewMemberID: crewMemberID, Latitude: lat, Longitude: lng}
	err = tx.QueryRowContext(ctx, `INSERT INTO crew_locations (crew_member_id, latitude, longitude, "timestamp")
		VALUES ($1, $2, $3, $4) RETURNING id::text, "timestamp"`, crewMemberID, lat, lng, at.UTC()).
		Scan(&pos.ID, &pos.Timestamp)
	if err != nil {
		return model.CrewLocation{}, mapErr(err)
	}
	// unknown members already failed the foreign key above
	if _, err := tx.ExecContext(ctx, `UPDATE crew_members SET last_active_at = $1 WHERE id = $2`, at.UTC(), crewMemberID); err != nil {
		return model.CrewLocation{}, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return model.CrewLocation{}, err
	}
	return pos, nil
}

func (p *Postgres) LatestPosition(ctx context.Context, crewMemberID string) (model.CrewLocation, error) {
	var pos model.CrewLocation
	err := p.db.QueryRowContext(ctx, `SELECT id::text, crew_member_id::text, latitude, longitude, "timestamp"
		FROM crew_locations WHERE crew_member_id = $1 ORDER BY "timestamp" DESC LIMIT 1`, crewMemberID).
		Scan(&pos.ID, &pos.CrewMemberID, &pos.Latitude, &pos.Longitude, &pos.Timestamp)
	return pos, mapErr(err)
}

func (p *Postgres) LatestPositions(ctx context.Context, orgID string) (map[string]model.CrewLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT ON (cl.crew_member_id)
		cl.id::text, cl.crew_member_id::text, cl.latitude, cl.longitude, cl."timestamp"
		FROM crew_locations cl JOIN crew_members c ON c.id = cl.crew_member_id
		WHERE c.organization_id = $1
		ORDER BY cl.crew_member_id, cl."timestamp" DESC`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := map[string]model.CrewLocation{}
	for rows.Next() {
		var pos model.CrewLocation
		if err := rows.Scan(&pos.ID, &pos.CrewMemberID, &pos.Latitude, &pos.Longitude, &pos.Timestamp); err != nil {
			return nil, err
		}
		out[pos.CrewMemberID] = pos
	}
	return out, rows.Err()
}

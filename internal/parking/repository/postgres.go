package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/watch"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS parking_spots (
lot_id TEXT NOT NULL,
spot_id TEXT NOT NULL,
class TEXT NOT NULL,
status TEXT NOT NULL,
held_by TEXT,
hold_expires_at TIMESTAMPTZ,
display_label TEXT NOT NULL DEFAULT '',
version BIGINT NOT NULL DEFAULT 1,
PRIMARY KEY (lot_id, spot_id),
CHECK ((status = 'HELD') = (held_by IS NOT NULL AND hold_expires_at IS NOT NULL)),
CHECK (status = 'HELD' OR (held_by IS NULL AND hold_expires_at IS NULL))
)`,
	`CREATE INDEX IF NOT EXISTS parking_spots_held_idx ON parking_spots (lot_id, spot_id) WHERE status = 'HELD'`,
	`CREATE TABLE IF NOT EXISTS reservations (
id UUID PRIMARY KEY,
user_id TEXT NOT NULL,
lot_id TEXT NOT NULL,
spot_id TEXT NOT NULL,
status TEXT NOT NULL,
start_time TIMESTAMPTZ NOT NULL,
end_time TIMESTAMPTZ NOT NULL,
created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reservations_one_held_per_user ON reservations (user_id) WHERE status = 'HELD'`,
	`CREATE INDEX IF NOT EXISTS reservations_user_idx ON reservations (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS reservations_status_idx ON reservations (status)`,
	`CREATE TABLE IF NOT EXISTS outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE published = false`,
}

// Migrate creates the tables used by the Postgres stores and the outbox relay.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const spotColumns = `lot_id, spot_id, class, status, held_by, hold_expires_at, display_label, version`

// PostgresSpotStore implements SpotStore on a parking_spots table. Transition
// locks the row with SELECT ... FOR UPDATE and commits with a version guard.
// Change notifications are delivered in-process.
type PostgresSpotStore struct {
	db  *sql.DB
	hub *watch.Hub
}

// NewPostgresSpotStore constructs the store.
func NewPostgresSpotStore(db *sql.DB) *PostgresSpotStore {
	return &PostgresSpotStore{db: db, hub: watch.NewHub(0)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpot(row rowScanner) (domain.Spot, error) {
	var (
		spot      domain.Spot
		class     string
		status    string
		heldBy    sql.NullString
		expiresAt sql.NullTime
	)
	if err := row.Scan(&spot.LotID, &spot.ID, &class, &status, &heldBy, &expiresAt, &spot.DisplayLabel, &spot.Version); err != nil {
		return domain.Spot{}, err
	}
	spot.Class = domain.SpotClass(class)
	spot.Status = domain.SpotStatus(status)
	if heldBy.Valid {
		v := heldBy.String
		spot.HeldBy = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time.UTC()
		spot.HoldExpiresAt = &v
	}
	return spot, nil
}

// Get retrieves a spot.
func (p *PostgresSpotStore) Get(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+spotColumns+` FROM parking_spots WHERE lot_id = $1 AND spot_id = $2`, lotID, spotID)
	spot, err := scanSpot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Spot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Spot{}, fmt.Errorf("select spot: %w", err)
	}
	return spot, nil
}

// List returns the spots of a lot ordered by id.
func (p *PostgresSpotStore) List(ctx context.Context, lotID string) ([]domain.Spot, error) {
	return p.query(ctx, `SELECT `+spotColumns+` FROM parking_spots WHERE lot_id = $1 ORDER BY spot_id`, lotID)
}

// ListHeld returns held spots across all lots.
func (p *PostgresSpotStore) ListHeld(ctx context.Context) ([]domain.Spot, error) {
	return p.query(ctx, `SELECT `+spotColumns+` FROM parking_spots WHERE status = 'HELD' ORDER BY lot_id, spot_id`)
}

func (p *PostgresSpotStore) query(ctx context.Context, q string, args ...any) ([]domain.Spot, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select spots: %w", err)
	}
	defer rows.Close()
	var spots []domain.Spot
	for rows.Next() {
		spot, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spot: %w", err)
		}
		spots = append(spots, spot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spots: %w", err)
	}
	return spots, nil
}

// Transition applies mutate when the committed status still equals expected.
func (p *PostgresSpotStore) Transition(ctx context.Context, lotID, spotID string, expected domain.SpotStatus, mutate domain.Mutation) (domain.Spot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Spot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+spotColumns+` FROM parking_spots WHERE lot_id = $1 AND spot_id = $2 FOR UPDATE`, lotID, spotID)
	current, err := scanSpot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Spot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Spot{}, fmt.Errorf("lock spot: %w", err)
	}
	next, err := applyMutation(current, expected, mutate)
	if err != nil {
		return domain.Spot{}, err
	}
	next.Version = current.Version + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE parking_spots SET status = $3, held_by = $4, hold_expires_at = $5, display_label = $6, version = $7
WHERE lot_id = $1 AND spot_id = $2 AND version = $8`,
		lotID, spotID, string(next.Status), next.HeldBy, next.HoldExpiresAt, next.DisplayLabel, next.Version, current.Version)
	if err != nil {
		return domain.Spot{}, fmt.Errorf("update spot: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return domain.Spot{}, domain.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Spot{}, fmt.Errorf("commit spot: %w", err)
	}
	p.hub.Publish(next)
	return next, nil
}

// Put inserts or replaces a spot, keeping the version lineage.
func (p *PostgresSpotStore) Put(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	if err := validateSeed(spot); err != nil {
		return domain.Spot{}, err
	}
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO parking_spots (`+spotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
ON CONFLICT (lot_id, spot_id) DO UPDATE SET class = EXCLUDED.class, status = EXCLUDED.status,
held_by = EXCLUDED.held_by, hold_expires_at = EXCLUDED.hold_expires_at,
display_label = EXCLUDED.display_label, version = parking_spots.version + 1
RETURNING version`,
		spot.LotID, spot.ID, string(spot.Class), string(spot.Status), spot.HeldBy, spot.HoldExpiresAt, spot.DisplayLabel)
	if err := row.Scan(&spot.Version); err != nil {
		return domain.Spot{}, fmt.Errorf("upsert spot: %w", err)
	}
	p.hub.Publish(spot)
	return spot, nil
}

// Watch subscribes to spot changes committed through this process.
func (p *PostgresSpotStore) Watch(ctx context.Context, lotID string) (<-chan domain.Spot, error) {
	return p.hub.Subscribe(ctx, lotID), nil
}

const reservationColumns = `id, user_id, lot_id, spot_id, status, start_time, end_time, created_at`

// PostgresReservationStore implements ReservationStore on a reservations
// table. Every write appends the matching lifecycle event to the outbox in
// the same transaction.
type PostgresReservationStore struct {
	db    *sql.DB
	topic string
	now   func() time.Time
}

// NewPostgresReservationStore constructs the store. topic names the outbox
// subject events are relayed to.
func NewPostgresReservationStore(db *sql.DB, topic string) *PostgresReservationStore {
	if topic == "" {
		topic = "parking.reservations"
	}
	return &PostgresReservationStore{db: db, topic: topic, now: func() time.Time { return time.Now().UTC() }}
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	if err := row.Scan(&res.ID, &res.UserID, &res.LotID, &res.SpotID, &status, &res.StartTime, &res.EndTime, &res.CreatedAt); err != nil {
		return domain.Reservation{}, err
	}
	res.Status = domain.ReservationStatus(status)
	res.StartTime = res.StartTime.UTC()
	res.EndTime = res.EndTime.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	return res, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Create stores a new reservation and its ReservationHeld event.
func (p *PostgresReservationStore) Create(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.UserID, res.LotID, res.SpotID, string(res.Status), res.StartTime, res.EndTime, res.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Reservation{}, domain.ErrAlreadyExists
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if err := p.appendOutbox(ctx, tx, domain.ReservationEvent{
		Type:        domain.EventTypeFor(res.Status),
		Reservation: res,
		OccurredAt:  res.CreatedAt,
	}); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

// Get retrieves a reservation.
func (p *PostgresReservationStore) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	return res, nil
}

// FindActiveByUser returns the user's Held reservation, if any.
func (p *PostgresReservationStore) FindActiveByUser(ctx context.Context, userID string) (*domain.Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 AND status = 'HELD'`, userID)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active reservation: %w", err)
	}
	return &res, nil
}

// ListByUser returns the user's reservations, newest first.
func (p *PostgresReservationStore) ListByUser(ctx context.Context, userID string) ([]domain.Reservation, error) {
	return p.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
}

// ListByStatus returns reservations in the given status, newest first.
func (p *PostgresReservationStore) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]domain.Reservation, error) {
	return p.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE status = $1 ORDER BY created_at DESC, id`, string(status))
}

func (p *PostgresReservationStore) query(ctx context.Context, q string, args ...any) ([]domain.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a reservation from expected to next and records the event.
func (p *PostgresReservationStore) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.ReservationStatus) (domain.Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`UPDATE reservations SET status = $3 WHERE id = $1 AND status = $2 RETURNING `+reservationColumns,
		id, string(expected), string(next))
	res, err := scanReservation(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return domain.Reservation{}, fmt.Errorf("check reservation: %w", err)
		}
		if !exists {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, domain.ErrConflict
	case isUniqueViolation(err):
		return domain.Reservation{}, domain.ErrAlreadyExists
	case err != nil:
		return domain.Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	if err := p.appendOutbox(ctx, tx, domain.ReservationEvent{
		Type:        domain.EventTypeFor(next),
		Reservation: res,
		OccurredAt:  p.now(),
	}); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

// Delete removes a reservation.
func (p *PostgresReservationStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *PostgresReservationStore) appendOutbox(ctx context.Context, tx *sql.Tx, event domain.ReservationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`, p.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteRepository persists the device catalog, statuses and gate locations
// in SQLite. It satisfies the narrow store interfaces of the status
// synchronizer and both bridges.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Validate checks the fields the bridges rely on.
func (e DeviceEndpoint) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEndpoint)
	case e.Kind != KindSensor && e.Kind != KindGate:
		return fmt.Errorf("%w: kind %q", ErrInvalidEndpoint, e.Kind)
	case e.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	case e.Port < 1 || e.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if e.OperationalStatus != "" && e.OperationalStatus != OperationalOpen && e.OperationalStatus != OperationalClosed {
		return fmt.Errorf("%w: operational status %q", ErrInvalidEndpoint, e.OperationalStatus)
	}
	return nil
}

// CreateEndpoint inserts a new device endpoint.
// Returns ErrEndpointExists if the ID is already registered.
func (r *SQLiteRepository) CreateEndpoint(ctx context.Context, e DeviceEndpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.OperationalStatus == "" {
		e.OperationalStatus = OperationalOpen
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, kind, name, host, port, dev_no, user_id, user_pw, operational_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Name, e.Host, e.Port,
		e.Credentials.DevNo, e.Credentials.UserID, e.Credentials.UserPW,
		string(e.OperationalStatus),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEndpointExists
		}
		return fmt.Errorf("inserting endpoint: %w", err)
	}
	return nil
}

// SetOperationalStatus marks an endpoint open or closed.
func (r *SQLiteRepository) SetOperationalStatus(ctx context.Context, id string, status OperationalStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET operational_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating operational status: %w", err)
	}
	return requireRow(result)
}

// ListEndpoints returns the full device catalog ordered by kind then ID.
func (r *SQLiteRepository) ListEndpoints(ctx context.Context) ([]DeviceEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, name, host, port, dev_no, user_id, user_pw, operational_status
		FROM devices
		ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []DeviceEndpoint
	for rows.Next() {
		var (
			e         DeviceEndpoint
			kind, ops string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Name, &e.Host, &e.Port,
			&e.Credentials.DevNo, &e.Credentials.UserID, &e.Credentials.UserPW, &ops); err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		e.Kind = ProtocolKind(kind)
		e.OperationalStatus = OperationalStatus(ops)
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoints: %w", err)
	}
	return endpoints, nil
}

// UpdateLinkedStatus persists the linked flag, stamping the transition time.
func (r *SQLiteRepository) UpdateLinkedStatus(ctx context.Context, id string, linked bool) error {
	return r.upsertStatus(ctx, id, "linked", linked)
}

// UpdateAlarmStatus persists the alarm flag, stamping the transition time.
func (r *SQLiteRepository) UpdateAlarmStatus(ctx context.Context, id string, alarm bool) error {
	return r.upsertStatus(ctx, id, "alarm", alarm)
}

// upsertStatus writes one flag column. column is always a constant from this file.
func (r *SQLiteRepository) upsertStatus(ctx context.Context, id, column string, value bool) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEndpointNotFound
	}
	if err != nil {
		return fmt.Errorf("checking endpoint: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO device_status (device_id, %[1]s, last_transition_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET %[1]s = excluded.%[1]s,
			last_transition_at = excluded.last_transition_at`, column)

	if _, err := r.db.ExecContext(ctx, query, id, boolToInt(value),
		r.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("updating %s status: %w", column, err)
	}
	return nil
}

// ListStatuses returns the persisted status of every endpoint that has one.
func (r *SQLiteRepository) ListStatuses(ctx context.Context) ([]DeviceStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, linked, alarm, last_transition_at
		FROM device_status
		ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var statuses []DeviceStatus
	for rows.Next() {
		var (
			s             DeviceStatus
			linked, alarm int
			at            sql.NullString
		)
		if err := rows.Scan(&s.EndpointID, &linked, &alarm, &at); err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		s.Linked = linked != 0
		s.Alarm = alarm != 0
		if at.Valid {
			s.LastTransitionAt, _ = time.Parse(time.RFC3339, at.String) //nolint:errcheck // Format is controlled
		}
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating statuses: %w", err)
	}
	return statuses, nil
}

// SetLocation registers or replaces the location string for a sub-device.
func (r *SQLiteRepository) SetLocation(ctx context.Context, key LocationKey, location string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO locations (site_ip, device_ip, device_port, location)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_ip, device_ip, device_port) DO UPDATE SET location = excluded.location`,
		key.SiteIP, key.DeviceIP, key.DevicePort, location)
	if err != nil {
		return fmt.Errorf("setting location: %w", err)
	}
	return nil
}

// ResolveLocation looks up the location string for a sub-device.
func (r *SQLiteRepository) ResolveLocation(ctx context.Context, key LocationKey) (string, error) {
	var location string
	err := r.db.QueryRowContext(ctx, `
		SELECT location FROM locations
		WHERE site_ip = ? AND device_ip = ? AND device_port = ?`,
		key.SiteIP, key.DeviceIP, key.DevicePort).Scan(&location)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrLocationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving location: %w", err)
	}
	return location, nil
}

// ProvisionGate registers a barrier so that RecordGateState can track it.
func (r *SQLiteRepository) ProvisionGate(ctx context.Context, key LocationKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO gate_states (site_ip, device_ip, device_port, state, updated_at)
		VALUES (?, ?, ?, 'unknown', ?)`,
		key.SiteIP, key.DeviceIP, key.DevicePort, r.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("provisioning gate: %w", err)
	}
	return nil
}

// RecordGateState updates a provisioned barrier's state. It affects zero
// rows when the barrier is unknown or the state is unchanged.
func (r *SQLiteRepository) RecordGateState(ctx context.Context, key LocationKey, state string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE gate_states SET state = ?, updated_at = ?
		WHERE site_ip = ? AND device_ip = ? AND device_port = ? AND state <> ?`,
		state, r.now().UTC().Format(time.RFC3339),
		key.SiteIP, key.DeviceIP, key.DevicePort, state)
	if err != nil {
		return 0, fmt.Errorf("recording gate state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

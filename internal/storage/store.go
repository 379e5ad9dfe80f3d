// Package storage persists what must survive a process restart: per
// sensor calibration profiles, keyed by device identity, and the catalog
// of recorded trace sessions. Backed by a single sqlite database; the
// writer connection belongs to the controller, the read-only connection
// serves offline tools browsing finished sessions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/seamless-hci/glovelink/internal/calib"
)

// Store handles database operations
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store over the database at dbPath. Connections open
// lazily; the schema is initialized on first write access.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// SaveCalibration stores a calibration profile, replacing any earlier
// profile for the same device and sensor.
func (s *Store) SaveCalibration(ctx context.Context, device string, p calib.Profile) (err error) {
	data, err := toCalibrationData(p)
	if err != nil {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, upsertCalibrationSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(
		ctx,
		device,
		data.Sensor,
		data.Offsets,
		data.Scales,
		data.Drift,
		data.Samples,
		data.UpdatedAt,
	); err != nil {
		err = fmt.Errorf("inserting calibration: %w", err)
	}
	return
}

// Calibrations returns every stored profile for a device. Runs on the
// writer connection so a first run starts from an empty, initialized
// database rather than a missing file.
func (s *Store) Calibrations(ctx context.Context, device string) (profiles []calib.Profile, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectCalibrationsSQL, device)
	if err != nil {
		err = fmt.Errorf("querying calibrations: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data calibrationData
		if err = rows.Scan(
			&data.Sensor,
			&data.Offsets,
			&data.Scales,
			&data.Drift,
			&data.Samples,
			&data.UpdatedAt,
		); err != nil {
			err = fmt.Errorf("scanning calibration: %w", err)
			return
		}

		var p calib.Profile
		if p, err = data.profile(); err != nil {
			err = fmt.Errorf("restoring calibration: %w", err)
			return
		}
		profiles = append(profiles, p)
	}
	err = rows.Err()
	return
}

// CreateSession catalogs a new trace session and returns its ID.
func (s *Store) CreateSession(ctx context.Context, device, model, firmware, dir string, startedAt time.Time) (sessionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(
		ctx,
		device,
		nullString(model),
		nullString(firmware),
		dir,
		startedAt.UTC(),
	)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

// FinishSession closes a cataloged session with its end time and final
// record counters.
func (s *Store) FinishSession(ctx context.Context, id int64, endedAt time.Time, rows, dropped uint64) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, finishSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx, endedAt.UTC(), int64(rows), int64(dropped), id); err != nil {
		err = fmt.Errorf("updating session: %w", err)
	}
	return
}

// Session returns one cataloged session by its ID.
func (s *Store) Session(ctx context.Context, id int64) (session *SessionRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var rec SessionRecord
	if err = stmt.QueryRowContext(ctx, id).Scan(
		&rec.ID,
		&rec.Device,
		&rec.Model,
		&rec.Firmware,
		&rec.Directory,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Records,
		&rec.Dropped,
	); err != nil {
		err = fmt.Errorf("scanning session: %w", err)
		return
	}
	return &rec, nil
}

// Sessions returns the full session catalog, oldest first.
func (s *Store) Sessions(ctx context.Context) (sessions []SessionRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var rec SessionRecord
		if err = rows.Scan(
			&rec.ID,
			&rec.Device,
			&rec.Model,
			&rec.Firmware,
			&rec.Directory,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.Records,
			&rec.Dropped,
		); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, rec)
	}
	err = rows.Err()
	return
}

// Close releases both database connections. Safe to call more than
// once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

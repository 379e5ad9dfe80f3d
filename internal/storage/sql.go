package storage

import (
	_ "embed"
)

const (
	upsertCalibrationSQL = `
INSERT INTO calibrations (device,
                          sensor,
                          offsets,
                          scales,
                          drift,
                          samples,
                          updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (device, sensor) DO UPDATE SET
    offsets    = excluded.offsets,
    scales     = excluded.scales,
    drift      = excluded.drift,
    samples    = excluded.samples,
    updated_at = excluded.updated_at`

	selectCalibrationsSQL = `
SELECT
    sensor,
    offsets,
    scales,
    drift,
    samples,
    updated_at
FROM calibrations
WHERE
    device = ?
ORDER BY sensor`

	insertSessionSQL = `
INSERT INTO sessions (device,
                      model,
                      firmware,
                      directory,
                      started_at)
VALUES (?, ?, ?, ?, ?)`

	finishSessionSQL = `
UPDATE sessions
SET
    ended_at = ?,
    records  = ?,
    dropped  = ?
WHERE
    id = ?`

	selectSessionSQL = `
SELECT
    id,
    device,
    model,
    firmware,
    directory,
    started_at,
    ended_at,
    records,
    dropped
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    device,
    model,
    firmware,
    directory,
    started_at,
    ended_at,
    records,
    dropped
FROM sessions
ORDER BY started_at`
)

//go:embed schema.sql
var schemaSQL string

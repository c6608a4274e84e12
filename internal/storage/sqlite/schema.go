package sqlite

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema() error {
	schema := `
	-- Raw sensor samples. Identity is (timestamp, kind); re-inserting the
	-- same identity is ignored.
	CREATE TABLE IF NOT EXISTS sensor_samples (
		timestamp_ns INTEGER NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		accel_x REAL,
		accel_y REAL,
		accel_z REAL,
		quality REAL,
		PRIMARY KEY (timestamp_ns, kind)
	) WITHOUT ROWID;

	CREATE INDEX IF NOT EXISTS idx_sensor_samples_kind_ts ON sensor_samples(kind, timestamp_ns);
	`

	_, err := db.conn.Exec(schema)
	return err
}

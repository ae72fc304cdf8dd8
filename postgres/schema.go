package postgres

import "context"

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS cmdbus_streams (
		tenant   TEXT   NOT NULL,
		stream   TEXT   NOT NULL,
		position BIGINT NOT NULL,

		PRIMARY KEY (tenant, stream)
	)`,

	`CREATE TABLE IF NOT EXISTS cmdbus_events (
		tenant         TEXT   NOT NULL,
		stream         TEXT   NOT NULL,
		position       BIGINT NOT NULL,
		aggregate_type TEXT   NOT NULL,
		aggregate_id   TEXT   NOT NULL,
		version        TEXT   NOT NULL COLLATE "C",
		data           JSONB  NOT NULL,

		PRIMARY KEY (tenant, stream, position)
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS cmdbus_events_version
		ON cmdbus_events (tenant, stream, aggregate_type, aggregate_id, version)`,

	`CREATE TABLE IF NOT EXISTS cmdbus_snapshots (
		tenant         TEXT   NOT NULL,
		aggregate_type TEXT   NOT NULL,
		aggregate_id   TEXT   NOT NULL,
		version        BIGINT NOT NULL,
		data           JSONB  NOT NULL,

		PRIMARY KEY (tenant, aggregate_type, aggregate_id)
	)`,

	`CREATE TABLE IF NOT EXISTS cmdbus_cursors (
		tenant   TEXT   NOT NULL,
		stream   TEXT   NOT NULL,
		handler  TEXT   NOT NULL,
		position BIGINT NOT NULL,

		PRIMARY KEY (tenant, stream, handler)
	)`,
}

var dropStatements = []string{
	`DROP TABLE IF EXISTS cmdbus_cursors`,
	`DROP TABLE IF EXISTS cmdbus_snapshots`,
	`DROP TABLE IF EXISTS cmdbus_events`,
	`DROP TABLE IF EXISTS cmdbus_streams`,
}

// CreateSchema creates the tables used by Store if they do not exist
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range createStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DropSchema removes the tables used by Store along with their data
func (s *Store) DropSchema(ctx context.Context) error {
	for _, stmt := range dropStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

type migration struct {
	name string
	sql  string
}

// Ordered schema migrations. Append only; never edit an applied entry.
var migrations = []migration{
	{
		name: "001_users",
		sql: `CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	protected BOOLEAN NOT NULL DEFAULT FALSE,
	last_scraped TIMESTAMPTZ,
	scraped_following BOOLEAN NOT NULL DEFAULT FALSE
)`,
	},
	{
		name: "002_posts",
		sql: `CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	analyzed BOOLEAN NOT NULL DEFAULT FALSE,
	classified BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS posts_analyzed_idx ON posts (analyzed) WHERE analyzed = FALSE;
CREATE INDEX IF NOT EXISTS posts_classified_idx ON posts (classified) WHERE classified = FALSE`,
	},
	{
		name: "003_entities",
		sql: `CREATE TABLE IF NOT EXISTS entities (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	type SMALLINT NOT NULL,
	UNIQUE (name, type)
);
CREATE TABLE IF NOT EXISTS post_entities (
	post_id TEXT NOT NULL REFERENCES posts(id),
	entity_id BIGINT NOT NULL REFERENCES entities(id),
	PRIMARY KEY (post_id, entity_id)
)`,
	},
	{
		name: "004_topics",
		sql: `CREATE TABLE IF NOT EXISTS topics (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS user_topics (
	user_id TEXT NOT NULL REFERENCES users(id),
	topic_id BIGINT NOT NULL REFERENCES topics(id),
	post_count BIGINT NOT NULL DEFAULT 0,
	user_declared BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, topic_id)
)`,
	},
}

// Migrate applies any schema migrations not yet recorded in
// schema_migrations. Safe to run on every startup.
func Migrate(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("op=migrate.init: %w", err)
	}
	for _, m := range migrations {
		var applied bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("op=migrate.check name=%s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("op=migrate.apply name=%s: %w", m.name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("op=migrate.record name=%s: %w", m.name, err)
		}
		slog.Info("migration applied", slog.String("name", m.name))
	}
	return nil
}

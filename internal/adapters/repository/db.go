// Package repository persists scores, rules, contacts, activities and rule
// associations in SQLite.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const busyTimeoutMs = 30_000

// Open opens the SQLite database at path with WAL journaling, a busy
// timeout and immediate write transactions on every pooled connection, then
// pings it.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := dsnFor(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

func dsnFor(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	prefix := "file:"
	if strings.HasPrefix(path, "file:") {
		prefix = ""
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return prefix + path + sep + q.Encode()
}

const schema = `
CREATE TABLE IF NOT EXISTS scores (
	id                 INTEGER PRIMARY KEY,
	name               TEXT    NOT NULL,
	enabled            INTEGER NOT NULL DEFAULT 1,
	status             TEXT    NOT NULL DEFAULT 'not_recalculated',
	notification_limit INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS rules (
	id        INTEGER PRIMARY KEY,
	score_id  INTEGER NOT NULL REFERENCES scores(id) ON DELETE CASCADE,
	name      TEXT    NOT NULL DEFAULT '',
	type      TEXT    NOT NULL,
	points    INTEGER NOT NULL,
	condition TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS rules_score ON rules(score_id);
CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS contact_fields (
	contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	field      TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	PRIMARY KEY (contact_id, field)
);
CREATE TABLE IF NOT EXISTS activities (
	id         TEXT    PRIMARY KEY,
	contact_id INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	value      TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activities_lookup ON activities(contact_id, type, created_at);
CREATE TABLE IF NOT EXISTS associations (
	rule_id    INTEGER NOT NULL,
	score_id   INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	points     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (rule_id, contact_id)
);
CREATE INDEX IF NOT EXISTS associations_score ON associations(score_id, contact_id);
CREATE TABLE IF NOT EXISTS worker_lease (
	name       TEXT    PRIMARY KEY,
	owner      TEXT    NOT NULL,
	expires_at INTEGER NOT NULL
);
`

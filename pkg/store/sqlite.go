package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite is a Store kept in a SQLite database. Times are stored as unix
// nanoseconds so range queries compare numerically.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open database %q", path)
	}
	// Writes are serialized and an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "unable to migrate database")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		tags JSON NOT NULL DEFAULT '[]',
		customer_visible INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS events_timestamp ON events (timestamp);
	CREATE TABLE IF NOT EXISTS metrics (
		id TEXT PRIMARY KEY,
		operation_name TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL DEFAULT 0,
		counters JSON NOT NULL DEFAULT '{}',
		timings JSON NOT NULL DEFAULT '{}',
		properties JSON NOT NULL DEFAULT '{}',
		emitted INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		s3bucket TEXT NOT NULL DEFAULT '',
		s3key TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		query_params TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL DEFAULT '',
		cipher_key TEXT NOT NULL DEFAULT '',
		cipher_iv TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		deployed INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS publications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		filename TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		delete_after INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS host_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLite) AppendEvent(ctx context.Context, e *event.Event) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return errors.Wrap(err, "unable to encode event tags")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, source, message, severity, tags, customer_visible) VALUES (?, ?, ?, ?, ?, ?)`,
		unixNano(e.Timestamp), e.Source, e.Message, e.Severity, string(tags), e.CustomerVisible,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert event")
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) EventsBetween(ctx context.Context, from, to time.Time) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, source, message, severity, tags, customer_visible
		FROM events
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, id`,
		unixNano(from), unixNano(to),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		var (
			e    event.Event
			ts   int64
			tags string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.Message, &e.Severity, &tags, &e.CustomerVisible); err != nil {
			return nil, err
		}
		e.Timestamp = fromUnixNano(ts)
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, errors.Wrapf(err, "unable to decode tags of event %d", e.ID)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLite) SaveMetric(ctx context.Context, r metric.Record) error {
	counters, err := json.Marshal(r.Counters)
	if err != nil {
		return err
	}
	timings, err := json.Marshal(r.Timings)
	if err != nil {
		return err
	}
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics (id, operation_name, timestamp, start_time, end_time, counters, timings, properties, emitted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			end_time = excluded.end_time,
			counters = excluded.counters,
			timings = excluded.timings,
			properties = excluded.properties,
			emitted = excluded.emitted`,
		r.ID, r.OperationName, unixNano(r.Timestamp), unixNano(r.StartTime), unixNano(r.EndTime),
		string(counters), string(timings), string(props), r.Emitted,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save metric %s", r.ID)
	}
	return nil
}

func (s *SQLite) UnemittedMetrics(ctx context.Context) ([]metric.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_name, timestamp, start_time, end_time, counters, timings, properties, emitted
		FROM metrics
		WHERE emitted = 0
		ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []metric.Record
	for rows.Next() {
		var (
			r                        metric.Record
			ts, start, end           int64
			counters, timings, props string
		)
		if err := rows.Scan(&r.ID, &r.OperationName, &ts, &start, &end, &counters, &timings, &props, &r.Emitted); err != nil {
			return nil, err
		}
		r.Timestamp, r.StartTime, r.EndTime = fromUnixNano(ts), fromUnixNano(start), fromUnixNano(end)
		if err := json.Unmarshal([]byte(counters), &r.Counters); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(timings), &r.Timings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) LastVersion(ctx context.Context, typ version.Type) (*version.Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, s3bucket, s3key, version, query_params, digest, cipher_key, cipher_iv, error, timestamp, deployed
		FROM versions
		WHERE type = ?
		ORDER BY id DESC
		LIMIT 1`, string(typ))
	var (
		v  version.Version
		ts int64
	)
	err := row.Scan(&v.ID, &v.Type, &v.Bucket, &v.Key, &v.VersionID, &v.QueryParams, &v.Digest, &v.CipherKey, &v.CipherIV, &v.Error, &ts, &v.Deployed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Timestamp = fromUnixNano(ts)
	return &v, nil
}

func (s *SQLite) InsertVersion(ctx context.Context, v *version.Version) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO versions (type, s3bucket, s3key, version, query_params, digest, cipher_key, cipher_iv, error, timestamp, deployed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(v.Type), v.Bucket, v.Key, v.VersionID, v.QueryParams, v.Digest, v.CipherKey, v.CipherIV, v.Error, unixNano(v.Timestamp), v.Deployed,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert version")
	}
	v.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) UpdateVersion(ctx context.Context, v *version.Version) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE versions SET deployed = ?, timestamp = ?, error = ? WHERE id = ?`,
		v.Deployed, unixNano(v.Timestamp), v.Error, v.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update version %d", v.ID)
	}
	return expectOne(res, "version", v.ID)
}

func (s *SQLite) FindPublication(ctx context.Context, filename string) (*publication.Publication, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, filename, state, delete_after FROM publications WHERE filename = ?`, filename)
	p, err := scanPublication(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLite) InsertPublication(ctx context.Context, p *publication.Publication) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO publications (timestamp, filename, state, delete_after) VALUES (?, ?, ?, ?)`,
		unixNano(p.Timestamp), p.Filename, p.State, p.Delete,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert publication")
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) PublicationsByState(ctx context.Context, state marker.PublicationState) ([]*publication.Publication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, filename, state, delete_after FROM publications WHERE state = ? ORDER BY id`, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pubs []*publication.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

func (s *SQLite) UpdatePublication(ctx context.Context, p *publication.Publication) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publications SET state = ?, delete_after = ? WHERE id = ?`, p.State, p.Delete, p.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to update publication %d", p.ID)
	}
	return expectOne(res, "publication", p.ID)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPublication(row scanner) (*publication.Publication, error) {
	var (
		p  publication.Publication
		ts int64
	)
	if err := row.Scan(&p.ID, &ts, &p.Filename, &p.State, &p.Delete); err != nil {
		return nil, err
	}
	p.Timestamp = fromUnixNano(ts)
	return &p, nil
}

func (s *SQLite) SaveHostState(ctx context.Context, snap hoststate.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_state (id, state, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		snap.State, unixNano(snap.UpdatedAt),
	)
	return errors.Wrap(err, "failed to save host state")
}

func (s *SQLite) LoadHostState(ctx context.Context) (hoststate.Snapshot, bool, error) {
	var (
		snap hoststate.Snapshot
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, updated_at FROM host_state WHERE id = 1`).Scan(&snap.State, &ts)
	if err == sql.ErrNoRows {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, err
	}
	snap.UpdatedAt = fromUnixNano(ts)
	return snap, true, nil
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.Errorf("no %s with id %d", what, id)
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"crybin/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type SQLConfig struct {
	Driver       string
	DSN          string
	Password     string
	TablePrefix  string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// SQL keeps pastes, comments and namespace values in three tables. Paste and
// comment bodies are stored as JSON; expire_date is a column so the expiry
// scan stays inside the database.
type SQL struct {
	db            *sql.DB
	driver        string
	prefix        string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQL) DB() *sql.DB {
	return s.db
}

func (s *SQL) Driver() string {
	return s.driver
}

func NewSQL(c SQLConfig) (*SQL, error) {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	dsn := c.DSN
	switch c.Driver {
	case DriverSQLite:
		if dsn == ":memory:" {
			c.MaxOpenConns = 1
		}
	case DriverPostgres:
		connCfg, err := pgx.ParseConfig(c.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "parse postgres dsn")
		}
		if c.Password != "" {
			connCfg.Password = c.Password
		}
		dsn = stdlib.RegisterConnConfig(connCfg)
	default:
		return nil, errors.Errorf("unsupported database driver %q", c.Driver)
	}
	db, err := sql.Open(c.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQL{
		db:           db,
		driver:       c.Driver,
		prefix:       c.TablePrefix,
		queryTimeout: c.QueryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQL) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQL) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQL) table(name string) string {
	return s.prefix + name
}

// q expands {paste}, {comment} and {config} to prefixed table names and
// rewrites ? placeholders for postgres.
func (s *SQL) q(query string) string {
	query = strings.NewReplacer(
		"{paste}", s.table("paste"),
		"{comment}", s.table("comment"),
		"{config}", s.table("config"),
	).Replace(query)
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) migrate() error {
	if s.driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous=FULL",
		} {
			if _, err := s.db.Exec(pragma); err != nil {
				return errors.Wrap(err, pragma)
			}
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS {paste} (
			dataid CHAR(16) NOT NULL PRIMARY KEY,
			data TEXT NOT NULL,
			expiredate BIGINT NOT NULL DEFAULT 0,
			created BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS {paste}_expiredate ON {paste}(expiredate)`,
		`CREATE TABLE IF NOT EXISTS {comment} (
			dataid CHAR(16) NOT NULL,
			pasteid CHAR(16) NOT NULL,
			parentid CHAR(16) NOT NULL,
			data TEXT NOT NULL,
			created BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (pasteid, parentid, dataid)
		)`,
		`CREATE TABLE IF NOT EXISTS {config} (
			namespace VARCHAR(32) NOT NULL,
			id VARCHAR(256) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.q(stmt)); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

func (s *SQL) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, s.q(query), args...)
	s.recordError(err)
	return res, err
}

func (s *SQL) queryRow(ctx context.Context, dest []interface{}, query string, args ...interface{}) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.QueryRowContext(queryCtx, s.q(query), args...).Scan(dest...)
	s.recordError(err)
	return err
}

func (s *SQL) Create(ctx context.Context, id string, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}
	_, err = s.exec(ctx, `INSERT INTO {paste} (dataid, data, expiredate, created) VALUES (?, ?, ?, ?)`,
		id, string(data), p.Meta.ExpireDate, p.Meta.Created)
	if err != nil {
		// A concurrent writer may have won between the check and the insert.
		if again, exErr := s.Exists(ctx, id); exErr == nil && again {
			return ErrExists
		}
		return errors.Wrap(err, "db create")
	}
	return nil
}

func (s *SQL) Read(ctx context.Context, id string) (*domain.Paste, error) {
	var data string
	err := s.queryRow(ctx, []interface{}{&data}, `SELECT data FROM {paste} WHERE dataid = ?`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db read")
	}
	var p domain.Paste
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, errors.Wrapf(err, "decode paste %s", id)
	}
	return &p, nil
}

func (s *SQL) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, []interface{}{&one}, `SELECT 1 FROM {paste} WHERE dataid = ? LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin delete")
	}
	if _, err := tx.ExecContext(queryCtx, s.q(`DELETE FROM {paste} WHERE dataid = ?`), id); err != nil {
		tx.Rollback()
		s.recordError(err)
		return errors.Wrap(err, "delete paste")
	}
	if _, err := tx.ExecContext(queryCtx, s.q(`DELETE FROM {comment} WHERE pasteid = ?`), id); err != nil {
		tx.Rollback()
		s.recordError(err)
		return errors.Wrap(err, "delete comments")
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit delete")
}

func (s *SQL) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	exists, err := s.ExistsComment(ctx, pasteID, parentID, commentID)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}
	_, err = s.exec(ctx, `INSERT INTO {comment} (dataid, pasteid, parentid, data, created) VALUES (?, ?, ?, ?, ?)`,
		commentID, pasteID, parentID, string(data), c.Created())
	if err != nil {
		if again, exErr := s.ExistsComment(ctx, pasteID, parentID, commentID); exErr == nil && again {
			return ErrExists
		}
		return errors.Wrap(err, "db create comment")
	}
	return nil
}

func (s *SQL) ReadComments(ctx context.Context, pasteID string) ([]*domain.Comment, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, s.q(`SELECT dataid, parentid, data FROM {comment} WHERE pasteid = ?`), pasteID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db read comments")
	}
	defer rows.Close()
	d := NewDiscussion()
	for rows.Next() {
		var id, parent, data string
		if err := rows.Scan(&id, &parent, &data); err != nil {
			return nil, errors.Wrap(err, "scan comment")
		}
		var c domain.Comment
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, errors.Wrapf(err, "decode comment %s", id)
		}
		c.ID = id
		c.ParentID = parent
		d.Add(&c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate comments")
	}
	return d.Comments(), nil
}

func (s *SQL) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, []interface{}{&one},
		`SELECT 1 FROM {comment} WHERE pasteid = ? AND parentid = ? AND dataid = ? LIMIT 1`,
		pasteID, parentID, commentID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "comment exists check failed")
	}
	return true, nil
}

func (s *SQL) GetValue(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, []interface{}{&value},
		`SELECT value FROM {config} WHERE namespace = ? AND id = ?`, namespace, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "db get value")
	}
	return value, nil
}

func (s *SQL) SetValue(ctx context.Context, value, namespace, key string) error {
	_, err := s.exec(ctx, `INSERT INTO {config} (namespace, id, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return errors.Wrap(err, "db set value")
}

func (s *SQL) PurgeValues(ctx context.Context, namespace string, before int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, s.q(`SELECT id, value FROM {config} WHERE namespace = ?`), namespace)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db list values")
	}
	var stale []string
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan value")
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n < before {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate values")
	}
	for _, id := range stale {
		if _, err := s.exec(ctx, `DELETE FROM {config} WHERE namespace = ? AND id = ?`, namespace, id); err != nil {
			return errors.Wrap(err, "db purge value")
		}
	}
	return nil
}

func (s *SQL) ids(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, s.q(query), args...)
	s.recordError(err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQL) GetAllPastes(ctx context.Context) ([]string, error) {
	ids, err := s.ids(ctx, `SELECT dataid FROM {paste}`)
	return ids, errors.Wrap(err, "db list pastes")
}

func (s *SQL) ExpiredPastes(ctx context.Context, batch int, now int64) ([]string, error) {
	if batch < 1 {
		return nil, nil
	}
	ids, err := s.ids(ctx, `SELECT dataid FROM {paste} WHERE expiredate > 0 AND expiredate < ? LIMIT ?`, now, batch)
	return ids, errors.Wrap(err, "db expired pastes")
}

func (s *SQL) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

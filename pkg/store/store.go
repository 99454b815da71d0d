// Copyright 2024 Forgewatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the persistence adapter for the pipeline. Every
// query is tenant-scoped with the tenant predicate leading the index;
// callers never build SQL themselves.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/tenant"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Default query timeout for all store calls that don't carry a tighter
// deadline already.
const defaultQueryTimeout = 5 * time.Second

// Store wraps the SQL database. It is constructed once at startup and
// passed into every component that needs persistence.
type Store struct {
	db          *sqlx.DB
	logger      log.Logger
	enforcement tenant.Enforcement
	now         func() time.Time
}

// Options configure a Store.
type Options struct {
	// DSN is the database connection string (DB_DSN).
	DSN string
	// Enforcement selects strict or permissive tenant scoping.
	Enforcement tenant.Enforcement
	// MaxOpenConns bounds the pool. Defaults to 16.
	MaxOpenConns int
}

// Open connects to the database and runs pending migrations.
func Open(logger log.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 16
	}
	if opts.Enforcement == "" {
		opts.Enforcement = tenant.EnforcementStrict
	}
	db, err := sqlx.Open("pgx", opts.DSN)
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "db_open", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, model.WrapError(model.KindPermanent, "db_migrate", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, model.WrapError(model.KindPermanent, "db_migrate", err)
	}
	_ = level.Info(logger).Log("msg", "database ready", "max_open_conns", opts.MaxOpenConns)

	return &Store{
		db:          db,
		logger:      logger,
		enforcement: opts.Enforcement,
		now:         time.Now,
	}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB, logger log.Logger, enforcement tenant.Enforcement) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if enforcement == "" {
		enforcement = tenant.EnforcementStrict
	}
	return &Store{
		db:          sqlx.NewDb(db, "pgx"),
		logger:      logger,
		enforcement: enforcement,
		now:         time.Now,
	}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// guardTenant fails closed when a tenant-scoped query is attempted
// without a tenant id under strict enforcement.
func (s *Store) guardTenant(id uuid.UUID) error {
	if id != uuid.Nil {
		return nil
	}
	if s.enforcement == tenant.EnforcementStrict {
		return model.Errorf(model.KindAuth, "missing_tenant_scope",
			"query without tenant predicate refused")
	}
	_ = level.Warn(s.logger).Log("msg", "tenant-unscoped query allowed in permissive mode")
	return nil
}

// classify maps driver errors onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.WrapError(model.KindNotFound, "not_found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.WrapError(model.KindTransient, "db_timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.WrapError(model.KindTransient, "db_unreachable", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return model.WrapError(model.KindConflict, "db_conflict", err)
		case "53300", "57P03", "08000", "08006", "08001": // connection class
			return model.WrapError(model.KindTransient, "db_unavailable", err)
		}
		// Constraint and schema violations are programmer errors.
		return model.WrapError(model.KindPermanent, "db_constraint", err)
	}
	return model.WrapError(model.KindPermanent, "db_error", err)
}

// sqlxIn expands an IN clause before Rebind.
func sqlxIn(query string, args ...any) (string, []any, error) {
	return sqlx.In(query, args...)
}

// inTx runs fn inside a transaction, translating commit/rollback errors.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Copyright (c) 2022 Whist Technologies, Inc.

/*
Package dbdriver abstracts all interactions with the database for any
scaling algorithm to use. It defines an interface so any consumers of
this package can perform query, update and delete operations without
having to use the pgx client directly. Unlike the host services, the
scaling service is not the only agent writing to its tables, so the
operations that hand out capacity run inside explicit transactions
with row locks.
*/

package dbdriver

import (
	"context"
	"os"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// lockTimeout bounds how long a transaction waits on a row lock before
// giving up with ErrLockTimeout. Without it, a wedged transaction holding
// an instance row would stall every assign request behind it.
const lockTimeout = "5000ms"

// Whist database connection strings

const localDevDatabaseURL = "user=postgres host=localhost port=5432 dbname=postgres password=whistpass"

func getWhistDBConnString() (string, error) {
	if metadata.IsLocalEnv() {
		return localDevDatabaseURL, nil
	}

	result := os.Getenv("DATABASE_URL")
	if result == "" {
		return "", utils.MakeError("couldn't get DB connection string: couldn't find DATABASE_URL in environment")
	}

	return result, nil
}

// dbtx is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx.
// The query methods are written against it so they run identically inside
// and outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// queries implements Querier on top of either a pool or a transaction.
type queries struct {
	db dbtx
}

// DBClient implements `WhistDBClient`, it is the default database
// client used on the default scaling algorithm.
type DBClient struct {
	queries
	pool *pgxpool.Pool
}

// NewDBClient connects to the Whist database and returns a client ready for
// use. The returned client is safe for concurrent use.
func NewDBClient(ctx context.Context) (*DBClient, error) {
	connStr, err := getWhistDBConnString()
	if err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}
	logger.Infof("Successfully connected to the database.")

	client := &DBClient{pool: pool}
	client.queries.db = pool
	return client, nil
}

// Close closes the underlying connection pool.
func (c *DBClient) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// WithTransaction runs fn inside a single ReadCommitted transaction. The
// transaction sets a local lock timeout so that a request stuck behind a
// wedged row lock fails with ErrLockTimeout instead of hanging. If fn
// returns an error the transaction is rolled back and the mapped error is
// returned.
func (c *DBClient) WithTransaction(ctx context.Context, fn func(Querier) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return utils.MakeError("unable to begin transaction: %s", err)
	}
	// Safe to do even if committed -- see tx.Rollback() docs.
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return utils.MakeError("unable to set transaction lock timeout: %s", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		return mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	return nil
}

// WithRegionImageLock runs fn inside a transaction that holds an advisory
// lock keyed on the (region, image) pair. Scale-up decisions for the same
// region and image serialize on this lock so two controllers never launch
// the same buffer twice.
func (c *DBClient) WithRegionImageLock(ctx context.Context, region string, imageID string, fn func(Querier) error) error {
	return c.WithTransaction(ctx, func(q Querier) error {
		if err := q.AcquireRegionImageLock(ctx, region, imageID); err != nil {
			return err
		}
		return fn(q)
	})
}

// AcquireRegionImageLock takes the transaction-scoped advisory lock for the
// given (region, image) pair. It is released automatically when the
// enclosing transaction ends.
func (q *queries) AcquireRegionImageLock(ctx context.Context, region string, imageID string) error {
	key := utils.Sprintf("%s/%s", region, imageID)
	if _, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		return utils.MakeError("unable to acquire advisory lock for %s: %s", key, err)
	}
	return nil
}

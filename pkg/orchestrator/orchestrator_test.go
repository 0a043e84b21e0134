// SPDX-License-Identifier: Apache-2.0

package orchestrator_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsync/pgsync/pkg/backup"
	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/dbadapter/postgres"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/orchestrator"
	"github.com/pgsync/pgsync/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestPullEmptyPlanIsNoOp(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, src, `INSERT INTO t (id) VALUES (1)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `INSERT INTO t (id) VALUES (1)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Pull(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
		})
		require.NoError(t, err)
		assert.Empty(t, results.Tables)
	})
}

func TestPullSyncsDriftedTable(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, src, `INSERT INTO t (id) VALUES (1), (2)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `INSERT INTO t (id) VALUES (1)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Pull(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
		})
		require.NoError(t, err)
		require.Len(t, results.Tables, 1)
		assert.Equal(t, "t", results.Tables[0].Table)

		var count int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
		assert.Equal(t, 2, count)
	})
}

func TestPullDryRunDoesNotWrite(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, src, `INSERT INTO t (id) VALUES (1), (2)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Pull(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
			DryRun:     true,
		})
		require.NoError(t, err)
		assert.Equal(t, "dry-run", results.Stopped)

		var count int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
		assert.Equal(t, 0, count)
	})
}

func TestCloneDropsAndRecreates(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY, name text)`)
		mustExec(t, src, `INSERT INTO t (id, name) VALUES (1, 'a'), (2, 'b')`)
		mustExec(t, tgt, `CREATE TABLE stale (id int PRIMARY KEY)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Clone(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, results.CreatedTables, 1)

		var count int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
		assert.Equal(t, 2, count)
	})
}

// TestCascadeRecheckSyncsChildAfterParentDelete covers the spec's named
// scenario: parent orders has a row deleted that order_items never
// referenced itself, but order_items is out of --tables scope, so only
// cascadeRecheck (triggered by orders' Deleted>0) picks up its drift.
func TestCascadeRecheckSyncsChildAfterParentDelete(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE orders (id int PRIMARY KEY)`)
		mustExec(t, src, `INSERT INTO orders (id) VALUES (1), (2)`)
		mustExec(t, tgt, `CREATE TABLE orders (id int PRIMARY KEY)`)
		mustExec(t, tgt, `INSERT INTO orders (id) VALUES (1), (2), (3)`)

		mustExec(t, src, `CREATE TABLE order_items (id int PRIMARY KEY, order_id int REFERENCES orders(id))`)
		mustExec(t, src, `INSERT INTO order_items (id, order_id) VALUES (100, 1), (101, 2)`)
		mustExec(t, tgt, `CREATE TABLE order_items (id int PRIMARY KEY, order_id int REFERENCES orders(id))`)
		mustExec(t, tgt, `INSERT INTO order_items (id, order_id) VALUES (100, 1)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Pull(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			Tables:     []string{"orders"},
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
		})
		require.NoError(t, err)

		var cascaded bool
		for _, ts := range results.Tables {
			if ts.Table == "order_items" {
				cascaded = true
				assert.True(t, ts.Cascade)
			}
		}
		assert.True(t, cascaded, "expected order_items to be synced via cascade recheck")

		var orderCount, itemCount int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount))
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM order_items").Scan(&itemCount))
		assert.Equal(t, 2, orderCount)
		assert.Equal(t, 2, itemCount)
	})
}

// TestCascadeRecheckSyncsChildAfterParentRefresh covers the Refreshed
// trigger: orders' structure changed (schemamgr drops and recreates it),
// so order_items, again out of --tables scope, is only picked up because
// cascadeRecheck also fires on a refreshed parent, not just a deleted one.
func TestCascadeRecheckSyncsChildAfterParentRefresh(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, srcConnStr, tgtConnStr string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE orders (id int PRIMARY KEY, total numeric)`)
		mustExec(t, src, `INSERT INTO orders (id, total) VALUES (1, 100)`)
		mustExec(t, tgt, `CREATE TABLE orders (id int PRIMARY KEY)`)

		mustExec(t, src, `CREATE TABLE order_items (id int PRIMARY KEY, order_id int REFERENCES orders(id))`)
		mustExec(t, src, `INSERT INTO order_items (id, order_id) VALUES (100, 1), (101, 1)`)
		mustExec(t, tgt, `CREATE TABLE order_items (id int PRIMARY KEY, order_id int REFERENCES orders(id))`)
		mustExec(t, tgt, `INSERT INTO order_items (id, order_id) VALUES (100, 1)`)

		o := newOrchestrator(t)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		srcCfg := connConfig(t, srcConnStr)
		tgtCfg := connConfig(t, tgtConnStr)

		results, err := o.Pull(ctx, srcCfg, tgtCfg, srcConn, tgtConn, orchestrator.Options{
			Tables:     []string{"orders"},
			SkipBackup: true,
			BatchSize:  100,
			Force:      true,
		})
		require.NoError(t, err)

		var cascaded bool
		for _, ts := range results.Tables {
			if ts.Table == "order_items" {
				cascaded = true
				assert.True(t, ts.Cascade)
			}
		}
		assert.True(t, cascaded, "expected order_items to be synced via cascade recheck")

		var orderCount, itemCount int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount))
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM order_items").Scan(&itemCount))
		assert.Equal(t, 1, orderCount)
		assert.Equal(t, 2, itemCount)
	})
}

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	a := postgres.New()
	return orchestrator.New(a, backup.New(a, t.TempDir()), nil, nil)
}

func connConfig(t *testing.T, connStr string) dbadapter.ConnConfig {
	t.Helper()
	host, port, database, user, password, err := testutils.ConnParts(connStr)
	require.NoError(t, err)
	return dbadapter.ConnConfig{
		Driver:   "postgres",
		Host:     host,
		Port:     port,
		Database: database,
		Username: user,
		Password: password,
	}
}

func mustExec(t *testing.T, conn *sql.DB, query string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), query)
	require.NoError(t, err)
}

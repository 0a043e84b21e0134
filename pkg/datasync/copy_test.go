// SPDX-License-Identifier: Apache-2.0

package datasync_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/dbadapter/postgres"
	"github.com/pgsync/pgsync/pkg/testutils"
)

// TestCopyTableFromRemoteLoadsAllRows covers the clone bulk-load path: an
// empty target table is filled via COPY with every row from a non-empty
// source table.
func TestCopyTableFromRemoteLoadsAllRows(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, _, _ string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY, name text)`)
		mustExec(t, src, `INSERT INTO t (id, name) VALUES (1, 'a'), (2, 'b'), (3, 'c')`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY, name text)`)

		syncer := datasync.New(postgres.New(), 2, nil)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		stats, err := syncer.CopyTableFromRemote(ctx, srcConn, tgtConn, "t", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Inserted)
		assert.Equal(t, 0, stats.Errors)

		var count int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
		assert.Equal(t, 3, count)
	})
}

// TestCopyTableFromRemoteEmptySource covers a table with no rows on the
// source: the COPY statement still runs (zero rows) and reports no errors.
func TestCopyTableFromRemoteEmptySource(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, _, _ string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)

		syncer := datasync.New(postgres.New(), 100, nil)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		stats, err := syncer.CopyTableFromRemote(ctx, srcConn, tgtConn, "t", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Inserted)
	})
}

// SPDX-License-Identifier: Apache-2.0

package datasync_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsync/pgsync/pkg/dbadapter/postgres"
	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

// TestGetIDsToDeleteEmptyRemote covers an empty-remote-table scenario:
// source has a table with zero rows, target has rows [1,2,3];
// GetIDsToDelete must return all three.
func TestGetIDsToDeleteEmptyRemote(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, _, _ string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `INSERT INTO t (id) VALUES (1), (2), (3)`)

		syncer := datasync.New(postgres.New(), 100, nil)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		ids, err := syncer.GetIDsToDelete(ctx, srcConn, tgtConn, "t", "id")
		require.NoError(t, err)

		got := toIntSet(t, ids)
		assert.Equal(t, map[int64]struct{}{1: {}, 2: {}, 3: {}}, got)
	})
}

func TestGetIDsToDeleteSubsetWhenLocalSubsetOfRemote(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTarget(t, func(src, tgt *sql.DB, _, _ string) {
		ctx := context.Background()
		mustExec(t, src, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, src, `INSERT INTO t (id) VALUES (1), (2), (3)`)
		mustExec(t, tgt, `CREATE TABLE t (id int PRIMARY KEY)`)
		mustExec(t, tgt, `INSERT INTO t (id) VALUES (1), (2)`)

		syncer := datasync.New(postgres.New(), 100, nil)
		srcConn := &db.RDB{DB: src}
		tgtConn := &db.RDB{DB: tgt}

		ids, err := syncer.GetIDsToDelete(ctx, srcConn, tgtConn, "t", "id")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

// TestUpsertRecordsResolvesUniqueConflict covers a unique-conflict
// scenario: target has {id:1, email:"a"}; incoming record
// {id:2, email:"a"} with UNIQUE(email) should leave only {id:2, email:"a"}
// and remove dependent children of id:1.
func TestUpsertRecordsResolvesUniqueConflict(t *testing.T) {
	t.Parallel()

	testutils.WithTarget(t, func(tgt *sql.DB, _ string) {
		ctx := context.Background()
		mustExec(t, tgt, `CREATE TABLE accounts (id int PRIMARY KEY, email text UNIQUE)`)
		mustExec(t, tgt, `CREATE TABLE sessions (id serial PRIMARY KEY, account_id int REFERENCES accounts(id))`)
		mustExec(t, tgt, `INSERT INTO accounts (id, email) VALUES (1, 'a')`)
		mustExec(t, tgt, `INSERT INTO sessions (account_id) VALUES (1)`)

		syncer := datasync.New(postgres.New(), 100, nil)
		tgtConn := &db.RDB{DB: tgt}

		records := []map[string]any{{"id": 2, "email": "a"}}
		_, err := syncer.UpsertRecords(ctx, tgtConn, "accounts", records, "id", []string{"id", "email"})
		require.NoError(t, err)

		rows, err := tgt.QueryContext(ctx, "SELECT id, email FROM accounts")
		require.NoError(t, err)
		defer rows.Close()

		var results []struct {
			ID    int64
			Email string
		}
		for rows.Next() {
			var r struct {
				ID    int64
				Email string
			}
			require.NoError(t, rows.Scan(&r.ID, &r.Email))
			results = append(results, r)
		}
		require.Len(t, results, 1)
		assert.Equal(t, int64(2), results[0].ID)
		assert.Equal(t, "a", results[0].Email)

		var sessionCount int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE account_id = 1").Scan(&sessionCount))
		assert.Equal(t, 0, sessionCount)
	})
}

func TestDeleteFromTableDeletesChildrenFirst(t *testing.T) {
	t.Parallel()

	testutils.WithTarget(t, func(tgt *sql.DB, _ string) {
		ctx := context.Background()
		mustExec(t, tgt, `CREATE TABLE parents (id int PRIMARY KEY)`)
		mustExec(t, tgt, `CREATE TABLE children (id serial PRIMARY KEY, parent_id int REFERENCES parents(id))`)
		mustExec(t, tgt, `INSERT INTO parents (id) VALUES (1)`)
		mustExec(t, tgt, `INSERT INTO children (parent_id) VALUES (1)`)

		syncer := datasync.New(postgres.New(), 100, nil)
		tgtConn := &db.RDB{DB: tgt}

		stats, err := syncer.DeleteFromTable(ctx, tgtConn, "parents", "id", []any{int64(1)})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Deleted)

		var count int
		require.NoError(t, tgt.QueryRowContext(ctx, "SELECT COUNT(*) FROM children").Scan(&count))
		assert.Equal(t, 0, count)
	})
}

func toIntSet(t *testing.T, ids []any) map[int64]struct{} {
	t.Helper()
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		switch v := id.(type) {
		case int64:
			out[v] = struct{}{}
		case int32:
			out[int64(v)] = struct{}{}
		default:
			t.Fatalf("unexpected id type %T", id)
		}
	}
	return out
}

func mustExec(t *testing.T, conn *sql.DB, query string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), query)
	require.NoError(t, err)
}

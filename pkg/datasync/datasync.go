// SPDX-License-Identifier: Apache-2.0

// Package datasync implements the per-table delete/upsert machinery: id
// diffing, batched child-then-parent deletes, unique-constraint conflict
// pre-cleanup, and the self-referencing-table upsert ordering.
package datasync

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
)

// RetryFunc wraps exactly one read call in a retry operator, typically an
// SSH-tunnel-aware one supplied by pkg/tunnel.
type RetryFunc func(ctx context.Context, op func(context.Context) error) error

// ProgressReporter receives per-batch progress updates while a table's
// rows are paged from source. Finish is called exactly once a table's
// sync loop exits, success or error. A nil ProgressReporter is valid:
// callers pass nil to disable reporting.
type ProgressReporter interface {
	Advance(n int)
	Finish()
}

func reportAdvance(p ProgressReporter, n int) {
	if p != nil {
		p.Advance(n)
	}
}

// Syncer drives per-table sync against a single adapter. Its
// unique-constraint cache is scoped to one command run; callers construct
// a fresh Syncer per run. The cache is an unsynchronized map: it is safe
// to share one Syncer across concurrent callers only so long as none of
// them reach UpsertRecords/DeleteConflictingRecords (the analyzer's
// concurrent read probes only call GetIDsToDelete, which never touches it).
type Syncer struct {
	Adapter   dbadapter.Adapter
	BatchSize int
	Retry     RetryFunc

	uniqueConstraints map[string][]dbadapter.UniqueConstraint
}

// New returns a Syncer with the given batch size and retry operator. A nil
// retry performs the wrapped call directly, with no retry.
func New(adapter dbadapter.Adapter, batchSize int, retry RetryFunc) *Syncer {
	if retry == nil {
		retry = func(ctx context.Context, op func(context.Context) error) error { return op(ctx) }
	}
	return &Syncer{
		Adapter:           adapter,
		BatchSize:         batchSize,
		Retry:             retry,
		uniqueConstraints: make(map[string][]dbadapter.UniqueConstraint),
	}
}

// GetIDsToDelete pages through pk on the source in batches, accumulating
// every remote id, reads all local ids in one query, and returns
// local \ remote preserving local result order. If the source has no rows
// at all for the table, every local id is returned (empty remote means a
// full wipe of that table).
func (s *Syncer) GetIDsToDelete(ctx context.Context, src, tgt db.DB, table, pk string) ([]any, error) {
	localIDs, err := s.allIDs(ctx, tgt, table, pk)
	if err != nil {
		return nil, err
	}

	remoteSet := make(map[any]struct{})
	offset := 0
	for {
		var page []any
		err := s.Retry(ctx, func(ctx context.Context) error {
			p, err := s.idPage(ctx, src, table, pk, offset)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, id := range page {
			remoteSet[id] = struct{}{}
		}
		offset += len(page)
		if len(page) < s.BatchSize {
			break
		}
	}

	if len(remoteSet) == 0 {
		return localIDs, nil
	}

	var toDelete []any
	for _, id := range localIDs {
		if _, ok := remoteSet[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	return toDelete, nil
}

func (s *Syncer) allIDs(ctx context.Context, conn db.DB, table, pk string) ([]any, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", pq.QuoteIdentifier(pk), pq.QuoteIdentifier(table)))
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "get_ids_to_delete", Err: err}
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, &dbadapter.AdapterError{Op: "get_ids_to_delete", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Syncer) idPage(ctx context.Context, conn db.DB, table, pk string, offset int) ([]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		pq.QuoteIdentifier(pk), pq.QuoteIdentifier(table), pq.QuoteIdentifier(pk))

	rows, err := conn.QueryContext(ctx, query, s.BatchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteFromTable deletes ids from table on tgt. For every child table
// discovered via the adapter, rows referencing any deleted id are deleted
// first, chunked by batch, swallowing per-chunk errors (deeper cascades
// rely on DBMS-level ON DELETE or a later CASCADE RECHECK pass). Then ids
// are chunked and deleted from table itself; per-chunk failures increment
// Errors by the chunk size.
func (s *Syncer) DeleteFromTable(ctx context.Context, tgt db.DB, table, pk string, ids []any) (dbadapter.RowStats, error) {
	var stats dbadapter.RowStats

	if len(ids) == 0 {
		return stats, nil
	}

	children, err := s.Adapter.ChildTables(ctx, tgt, table)
	if err != nil {
		return stats, err
	}

	for child, fkCol := range children {
		for _, chunk := range chunk(ids, s.BatchSize) {
			query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
				pq.QuoteIdentifier(child), pq.QuoteIdentifier(fkCol), placeholders(len(chunk)))
			_, _ = tgt.ExecContext(ctx, query, chunk...)
		}
	}

	for _, c := range chunk(ids, s.BatchSize) {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			pq.QuoteIdentifier(table), pq.QuoteIdentifier(pk), placeholders(len(c)))
		res, err := tgt.ExecContext(ctx, query, c...)
		if err != nil {
			stats.Errors += len(c)
			continue
		}
		n, _ := res.RowsAffected()
		stats.Deleted += int(n)
	}

	return stats, nil
}

func chunk(ids []any, size int) [][]any {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]any
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

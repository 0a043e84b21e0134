// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
)

// CopyTableFromRemote bulk-loads every row of table from src into tgt
// using a COPY ... FROM STDIN protocol statement instead of batched
// INSERT/upsert statements. It assumes tgt's copy of table is empty, so
// it never checks for conflicts; clone is its only caller, since a clone
// target was just dropped and recreated. Self-referencing tables still go
// through the ordered upsert path, since COPY loads rows in page order
// and a child row's parent may not precede it. progress, if non-nil, is
// advanced by each batch's row count and finished once the table is done.
func (s *Syncer) CopyTableFromRemote(ctx context.Context, src, tgt db.DB, table string, progress ProgressReporter) (dbadapter.RowStats, error) {
	var stats dbadapter.RowStats
	if progress != nil {
		defer progress.Finish()
	}

	if fk, ok, err := s.Adapter.SelfReferencingColumn(ctx, src, table); err != nil {
		return stats, err
	} else if ok {
		pk, _, err := s.Adapter.PrimaryKeyColumn(ctx, src, table)
		if err != nil {
			return stats, err
		}
		return s.syncSelfReferencingTable(ctx, src, tgt, table, pk, fk, progress)
	}

	columns, err := s.columnNames(ctx, src, table)
	if err != nil {
		return stats, err
	}
	if len(columns) == 0 {
		return stats, nil
	}

	orderCol, _, err := s.Adapter.PrimaryKeyColumn(ctx, src, table)
	if err != nil {
		return stats, err
	}
	if orderCol == "" {
		orderCol = columns[0]
	}

	err = tgt.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
		if err != nil {
			return err
		}

		offset := 0
		for {
			var batch []map[string]any
			err := s.Retry(ctx, func(ctx context.Context) error {
				b, err := s.recordPage(ctx, src, table, orderCol, columns, offset)
				if err != nil {
					return err
				}
				batch = b
				return nil
			})
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			values := make([]any, len(columns))
			for _, r := range batch {
				for i, c := range columns {
					values[i] = r[c]
				}
				if _, err := stmt.ExecContext(ctx, values...); err != nil {
					return err
				}
				stats.Inserted++
			}
			reportAdvance(progress, len(batch))

			offset += len(batch)
			if len(batch) < s.BatchSize {
				break
			}
		}

		if _, err := stmt.ExecContext(ctx); err != nil {
			return err
		}
		return stmt.Close()
	})
	if err != nil {
		stats.Errors = stats.Inserted
		stats.Inserted = 0
		return stats, err
	}

	return stats, nil
}

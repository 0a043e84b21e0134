// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"

	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
	"github.com/pgsync/pgsync/pkg/schemamgr"
)

// Clone tears down and recreates every in-scope source table (and,
// unless SkipViews, view) from source structure; excluded tables get
// structure only; data sync then walks all in-scope, non-excluded
// tables in parents-first order with a plain insert path, since the
// target is empty right after the drop.
func (o *Orchestrator) Clone(ctx context.Context, srcCfg, tgtCfg dbadapter.ConnConfig, src, tgt db.DB, opts Options) (*SyncResults, error) {
	results := &SyncResults{}

	graph, err := depgraph.NewBuilder(depgraph.ReaderFunc(func(ctx context.Context) (*depgraph.Graph, error) {
		return o.Adapter.ForeignKeyDependencies(ctx, src)
	})).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	remoteTables, err := o.Adapter.TablesList(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}

	noExclusions := map[string]struct{}{}
	tables := filterNames(remoteTables, opts.Tables, noExclusions)
	if len(opts.Tables) > 0 && len(tables) == 0 {
		return nil, ErrNoTablesInScope
	}

	var views []string
	if !opts.SkipViews {
		remoteViews, err := o.Adapter.ViewsList(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("list source views: %w", err)
		}
		if len(opts.Tables) > 0 && len(opts.Views) == 0 {
			views = nil
		} else {
			views = filterNames(remoteViews, opts.Views, noExclusions)
		}
	}

	if !opts.confirm(fmt.Sprintf("drop and recreate %d table(s)?", len(tables))) {
		results.Stopped = "cancelled"
		return results, nil
	}

	if !opts.SkipBackup {
		path, err := o.BackupMgr.Create(ctx, tgtCfg)
		if err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
		results.BackupPath = path
		o.Log.Info("backup created", "path", path)
	}

	mgr := schemamgr.New(o.Adapter, graph)
	refreshResult, err := mgr.RefreshTablesStructure(ctx, srcCfg, tgt, tables, views)
	if err != nil {
		return nil, fmt.Errorf("recreate schema: %w", err)
	}
	results.CreatedTables = refreshResult.CreatedTables
	results.CreatedSequences = refreshResult.CreatedSequences
	results.CreatedConstraints = refreshResult.CreatedConstraints
	results.SkippedFK = refreshResult.SkippedFK
	results.RefreshedTables = tables
	results.RefreshedViews = views

	if opts.SkipSyncData {
		return results, nil
	}

	excluded := o.excludedSet(opts)
	syncer := datasync.New(o.Adapter, opts.BatchSize, o.Retry)

	for _, table := range graph.Sort(tables, depgraph.ParentsFirst) {
		if _, isExcluded := excluded[table]; isExcluded {
			continue
		}

		var reporter datasync.ProgressReporter
		if opts.Progress != nil {
			meta := o.Adapter.TableMetadata(ctx, src, table)
			reporter = opts.Progress(table, meta.Count)
		}

		stats, err := syncer.CopyTableFromRemote(ctx, src, tgt, table, reporter)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", table, err)
		}
		results.Tables = append(results.Tables, TableStats{
			Table:    table,
			Inserted: stats.Inserted,
			Updated:  stats.Updated,
			Errors:   stats.Errors,
		})
		o.Log.Info("clone sync", "table", table, "inserted", stats.Inserted, "errors", stats.Errors)
	}

	// --skip-sequences is pull-only; a clone always resets sequences
	// since the target was just recreated from scratch.
	n, err := o.Adapter.ResetSequences(ctx, tgt)
	if err != nil {
		return nil, fmt.Errorf("reset sequences: %w", err)
	}
	results.SequencesReset = n

	o.Log.Info("clone complete", "tables", len(results.Tables), "backup", results.BackupPath)

	return results, nil
}

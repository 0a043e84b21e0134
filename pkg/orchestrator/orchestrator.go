// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives the full pull/clone command sequence:
// graph build, analysis, planning, backup, schema refresh, delete/upsert
// phases, cascade recheck, view refresh, sequence reset, and final
// statistics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/pgsync/pgsync/pkg/analyzer"
	"github.com/pgsync/pgsync/pkg/backup"
	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
	"github.com/pgsync/pgsync/pkg/schemamgr"
)

// ErrNoTablesInScope is returned when a caller requests specific tables
// via Options.Tables but none of them remain after filtering against the
// source's actual table list and the excluded-tables set.
var ErrNoTablesInScope = errors.New("no tables in scope for this command")

// TableStats is the per-table line of the final report.
type TableStats struct {
	Table         string
	Inserted      int
	Updated       int
	Deleted       int
	Errors        int
	MetadataError bool
	Cascade       bool
	// Refreshed marks a table whose structure was just dropped and
	// recreated (DROP TABLE ... CASCADE followed by CREATE TABLE); its
	// children may now hold FK references into a table that briefly did
	// not exist, so it triggers cascadeRecheck the same as a table with
	// deletes.
	Refreshed bool
}

// SyncResults is the full outcome of one Pull or Clone run.
type SyncResults struct {
	Tables             []TableStats
	RefreshedTables    []string
	RefreshedViews     []string
	CreatedTables      int
	CreatedSequences   int
	CreatedConstraints int
	SkippedFK          int
	SequencesReset     int
	BackupPath         string
	Stopped            string // "analyze-only", "dry-run", "cancelled", "" (ran), "" on empty plan
}

// Options captures the flags common to pull and clone plus their
// subcommand-specific extensions.
type Options struct {
	Tables          []string
	Views           []string
	IncludeExcluded bool
	ExcludedTables  []string
	DryRun          bool
	SkipBackup      bool
	BatchSize       int
	Force           bool

	// pull-only
	AnalyzeOnly   bool
	SkipSequences bool

	// clone-only
	SkipViews    bool
	SkipSyncData bool

	// Confirm is invoked before mutating the target unless Force is set
	// or the process is non-interactive; a nil Confirm always proceeds.
	Confirm func(prompt string) bool

	// Progress, if set, builds a per-table progress reporter before each
	// table's sync loop starts; total is the source row count. A nil
	// Progress disables per-table progress bars entirely. Callers wire
	// this to a pterm-backed implementation so the orchestrator package
	// never has to import the CLI presentation layer.
	Progress func(table string, total int64) datasync.ProgressReporter
}

func (o Options) confirm(prompt string) bool {
	if o.Force || o.Confirm == nil {
		return true
	}
	return o.Confirm(prompt)
}

// Orchestrator wires the components together for a single command run.
type Orchestrator struct {
	Adapter   dbadapter.Adapter
	BackupMgr *backup.Manager
	Log       *log.Logger
	Retry     datasync.RetryFunc
}

// New returns an Orchestrator. A nil logger runs silently.
func New(adapter dbadapter.Adapter, backupMgr *backup.Manager, logger *log.Logger, retry datasync.RetryFunc) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Orchestrator{Adapter: adapter, BackupMgr: backupMgr, Log: logger, Retry: retry}
}

func (o *Orchestrator) excludedSet(opts Options) map[string]struct{} {
	set := make(map[string]struct{}, len(opts.ExcludedTables))
	if opts.IncludeExcluded {
		return set
	}
	for _, t := range opts.ExcludedTables {
		set[t] = struct{}{}
	}
	return set
}

func inScope(table string, filter []string, excluded map[string]struct{}) bool {
	if _, ok := excluded[table]; ok {
		return false
	}
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if t == table {
			return true
		}
	}
	return false
}

// Pull diffs the target against the source and applies the minimum set
// of schema rebuilds and row-level delete/upsert operations needed to
// converge it. srcCfg/tgtCfg are used for schema dump/backup shell-outs;
// src/tgt are already-open connections (the caller is responsible for
// having opened any SSH tunnel).
func (o *Orchestrator) Pull(ctx context.Context, srcCfg, tgtCfg dbadapter.ConnConfig, src, tgt db.DB, opts Options) (*SyncResults, error) {
	results := &SyncResults{}

	// Step 2: build dependency graph against the target (it reflects the
	// structure we are syncing into).
	graph, err := depgraph.NewBuilder(depgraph.ReaderFunc(func(ctx context.Context) (*depgraph.Graph, error) {
		return o.Adapter.ForeignKeyDependencies(ctx, tgt)
	})).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	remoteTables, err := o.Adapter.TablesList(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}
	remoteViews, err := o.Adapter.ViewsList(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list source views: %w", err)
	}

	excluded := o.excludedSet(opts)
	tables := filterNames(remoteTables, opts.Tables, excluded)
	if len(opts.Tables) > 0 && len(tables) == 0 {
		return nil, ErrNoTablesInScope
	}
	views := remoteViews
	if len(opts.Tables) > 0 && len(opts.Views) == 0 {
		views = nil // --tables without --views implicitly skips views
	} else {
		views = filterNames(remoteViews, opts.Views, excluded)
	}

	// Step 3: Analyzer diffs, Schema Manager refresh sets.
	az := analyzer.New(o.Adapter, opts.BatchSize, o.Retry)
	diffs, err := az.Analyze(ctx, src, tgt, tables)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	mgr := schemamgr.New(o.Adapter, graph)
	refresh, err := mgr.FindTablesNeedingRefresh(ctx, src, tgt, tables, views)
	if err != nil {
		return nil, fmt.Errorf("find tables needing refresh: %w", err)
	}

	refreshSet := make(map[string]bool)
	for _, t := range refresh.MissingTables {
		refreshSet[t] = true
	}
	for _, t := range refresh.ChangedTables {
		refreshSet[t] = true
	}

	// Step 4: build and close the plan.
	plan := analyzer.BuildPlan(diffs, refreshSet, graph)
	results.RefreshedTables = append(refresh.MissingTables, refresh.ChangedTables...)
	results.RefreshedViews = append(refresh.MissingViews, refresh.ChangedViews...)

	// Step 5: backup, if the plan isn't empty.
	if len(plan.TablesToSync) > 0 && !opts.SkipBackup {
		path, err := o.BackupMgr.Create(ctx, tgtCfg)
		if err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
		results.BackupPath = path
		o.Log.Info("backup created", "path", path)
	}

	// Step 6: analyze-only.
	if opts.AnalyzeOnly {
		results.Stopped = "analyze-only"
		return results, nil
	}

	// Step 7: filter actionable.
	actionable := analyzer.FilterActionable(plan)
	if len(actionable) == 0 {
		return results, nil
	}

	// Step 8: dry-run.
	if opts.DryRun {
		results.Stopped = "dry-run"
		for _, d := range actionable {
			results.Tables = append(results.Tables, TableStats{Table: d.Table, MetadataError: d.MetadataError})
		}
		return results, nil
	}

	// Step 9: confirm.
	if !opts.confirm(fmt.Sprintf("sync %d table(s)?", len(actionable))) {
		results.Stopped = "cancelled"
		return results, nil
	}

	// Step 10: refresh changed-structure tables.
	if len(refreshSet) > 0 || len(refresh.MissingViews) > 0 {
		names := make([]string, 0, len(refreshSet))
		for t := range refreshSet {
			names = append(names, t)
		}
		refreshResult, err := mgr.RefreshTablesStructure(ctx, srcCfg, tgt, names, nil)
		if err != nil {
			return nil, fmt.Errorf("refresh table structure: %w", err)
		}
		results.CreatedTables += refreshResult.CreatedTables
		results.CreatedSequences += refreshResult.CreatedSequences
		results.CreatedConstraints += refreshResult.CreatedConstraints
		results.SkippedFK += refreshResult.SkippedFK
	}

	syncer := datasync.New(o.Adapter, opts.BatchSize, o.Retry)
	processed := make(map[string]bool)

	stats, err := o.runDeleteUpsert(ctx, src, tgt, syncer, graph, actionable, true, opts.Progress)
	if err != nil {
		return nil, err
	}
	results.Tables = append(results.Tables, stats...)
	for _, s := range stats {
		processed[s.Table] = true
	}

	// Step 13: CASCADE RECHECK.
	cascadeStats, err := o.cascadeRecheck(ctx, src, tgt, az, syncer, graph, stats, processed, excluded, opts.Progress)
	if err != nil {
		return nil, err
	}
	results.Tables = append(results.Tables, cascadeStats...)

	// Step 14: refresh missing views.
	if len(refresh.MissingViews) > 0 {
		if _, err := mgr.RefreshTablesStructure(ctx, srcCfg, tgt, nil, refresh.MissingViews); err != nil {
			return nil, fmt.Errorf("refresh views: %w", err)
		}
	}

	// Step 15: reset sequences.
	if !opts.SkipSequences {
		n, err := o.Adapter.ResetSequences(ctx, tgt)
		if err != nil {
			return nil, fmt.Errorf("reset sequences: %w", err)
		}
		results.SequencesReset = n
	}

	o.Log.Info("pull complete", "tables", len(results.Tables), "backup", results.BackupPath)

	return results, nil
}

// runDeleteUpsert implements steps 11-12: delete children-first for
// actionable entries that have ids to delete and were not refreshed, then
// upsert parents-first, skipping entries marked IsChild unless
// skipIsChild is false (the cascade pass reuses this with the skip
// disabled, since those entries are exactly what it means to sync).
func (o *Orchestrator) runDeleteUpsert(ctx context.Context, src, tgt db.DB, syncer *datasync.Syncer, graph *depgraph.Graph, diffs []analyzer.TableDiff, skipIsChild bool, progress func(string, int64) datasync.ProgressReporter) ([]TableStats, error) {
	byTable := make(map[string]analyzer.TableDiff, len(diffs))
	names := make([]string, 0, len(diffs))
	for _, d := range diffs {
		byTable[d.Table] = d
		names = append(names, d.Table)
	}

	deleteStats := make(map[string]dbadapter.RowStats)
	for _, table := range graph.Sort(names, depgraph.ChildrenFirst) {
		d, ok := byTable[table]
		if !ok || d.Refreshed || len(d.IDsToDelete) == 0 {
			continue
		}
		pk, hasPK, err := o.Adapter.PrimaryKeyColumn(ctx, src, table)
		if err != nil {
			return nil, fmt.Errorf("resolve primary key for %s: %w", table, err)
		}
		if !hasPK {
			continue
		}
		s, err := syncer.DeleteFromTable(ctx, tgt, table, pk, d.IDsToDelete)
		if err != nil {
			return nil, fmt.Errorf("delete from %s: %w", table, err)
		}
		deleteStats[table] = s
		o.Log.Info("delete phase", "table", table, "deleted", s.Deleted, "errors", s.Errors)
	}

	upsertStats := make(map[string]dbadapter.RowStats)
	for _, table := range graph.Sort(names, depgraph.ParentsFirst) {
		d, ok := byTable[table]
		if !ok {
			continue
		}
		if skipIsChild && d.IsChild {
			continue
		}
		if d.MetadataError {
			continue
		}
		var reporter datasync.ProgressReporter
		if progress != nil {
			reporter = progress(table, d.RemoteCount)
		}
		s, err := syncer.SyncTableFromRemote(ctx, src, tgt, table, reporter)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", table, err)
		}
		upsertStats[table] = s
		o.Log.Info("upsert phase", "table", table, "inserted", s.Inserted, "updated", s.Updated, "errors", s.Errors)
	}

	out := make([]TableStats, 0, len(diffs))
	for _, d := range diffs {
		del := deleteStats[d.Table]
		up := upsertStats[d.Table]
		out = append(out, TableStats{
			Table:         d.Table,
			Inserted:      up.Inserted,
			Updated:       up.Updated,
			Deleted:       del.Deleted,
			Errors:        del.Errors + up.Errors,
			MetadataError: d.MetadataError,
			Refreshed:     d.Refreshed,
		})
	}
	return out, nil
}

// cascadeRecheck accounts for tables whose deletes or refreshes may leave
// their children stale; each child in scope
// and not already processed is re-analyzed, and any with NeedsSync is
// synced in a second, un-skipped DELETE+UPSERT pass.
func (o *Orchestrator) cascadeRecheck(ctx context.Context, src, tgt db.DB, az *analyzer.Analyzer, syncer *datasync.Syncer, graph *depgraph.Graph, firstPass []TableStats, processed map[string]bool, excluded map[string]struct{}, progress func(string, int64) datasync.ProgressReporter) ([]TableStats, error) {
	var parents []string
	for _, s := range firstPass {
		if s.Deleted > 0 || s.Refreshed {
			parents = append(parents, s.Table)
		}
	}

	var children []string
	seen := make(map[string]bool)
	for _, parent := range parents {
		node, ok := graph.Nodes[parent]
		if !ok {
			continue
		}
		for child := range node.ReferencedBy {
			if processed[child] || seen[child] {
				continue
			}
			if _, excludedChild := excluded[child]; excludedChild {
				continue
			}
			seen[child] = true
			children = append(children, child)
		}
	}

	if len(children) == 0 {
		return nil, nil
	}

	diffs, err := az.Analyze(ctx, src, tgt, children)
	if err != nil {
		return nil, fmt.Errorf("cascade recheck analyze: %w", err)
	}

	var toSync []analyzer.TableDiff
	for _, d := range diffs {
		if d.NeedsSync {
			d.IsChild = true
			toSync = append(toSync, d)
		}
	}
	if len(toSync) == 0 {
		return nil, nil
	}

	stats, err := o.runDeleteUpsert(ctx, src, tgt, syncer, graph, toSync, false, progress)
	if err != nil {
		return nil, fmt.Errorf("cascade recheck sync: %w", err)
	}
	for i := range stats {
		stats[i].Cascade = true
	}
	return stats, nil
}

func filterNames(all, filter []string, excluded map[string]struct{}) []string {
	var out []string
	for _, name := range all {
		if inScope(name, filter, excluded) {
			out = append(out, name)
		}
	}
	return out
}

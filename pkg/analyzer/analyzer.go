// SPDX-License-Identifier: Apache-2.0

// Package analyzer builds the per-table diff between source and target
// and turns a set of diffs into an ordered sync plan.
package analyzer

import (
	"context"
	"runtime"
	"sync"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
)

// maxAnalyzeWorkers bounds how many tables are probed concurrently.
// Analyzer reads never need the FK-ordering guarantee writes do, so
// there is no correctness reason to cap this lower than the machine's
// parallelism; 8 keeps a single pull from opening an unbounded number
// of simultaneous connections against source and target.
const maxAnalyzeWorkers = 8

// TableDiff is the per-table comparison result between source and target.
type TableDiff struct {
	Table         string
	NeedsSync     bool
	LocalCount    int64
	RemoteCount   int64
	HasUpdates    bool
	IDsToDelete   []any
	MetadataError bool
	Refreshed     bool
	IsParent      bool
	// IsChild marks a diff produced by the orchestrator's cascade recheck
	// re-analysis of a table's children. It makes
	// the diff actionable regardless of its other fields (FilterActionable)
	// and, in the main UPSERT phase only, marks it to be skipped there
	// because it is synced through the cascade pass instead.
	IsChild bool
}

// SyncPlan groups analyzed diffs with the table/view refresh sets needed
// to act on them.
type SyncPlan struct {
	TablesToSync    []TableDiff
	TablesToRefresh []string
	ViewsToRefresh  []string
	MissingTables   []string
	ChangedTables   []string
	MissingViews    []string
	ChangedViews    []string
}

// Analyzer builds diffs against a single adapter.
type Analyzer struct {
	Adapter   dbadapter.Adapter
	BatchSize int
	Retry     datasync.RetryFunc
}

// New returns an Analyzer. A nil retry performs reads directly.
func New(adapter dbadapter.Adapter, batchSize int, retry datasync.RetryFunc) *Analyzer {
	return &Analyzer{Adapter: adapter, BatchSize: batchSize, Retry: retry}
}

// Analyze compares source and target for each table and returns a diff.
// Tables are probed concurrently, bounded by maxAnalyzeWorkers: the
// ordering guarantees delete/upsert need apply to writes, not to these
// independent read-only probes.
func (a *Analyzer) Analyze(ctx context.Context, src, tgt db.DB, tables []string) ([]TableDiff, error) {
	diffs := make([]TableDiff, len(tables))
	errs := make([]error, len(tables))

	workers := maxAnalyzeWorkers
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	if workers > len(tables) {
		workers = len(tables)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	syncer := datasync.New(a.Adapter, a.BatchSize, a.Retry)

	for i, table := range tables {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, table string) {
			defer wg.Done()
			defer func() { <-sem }()
			diffs[i], errs[i] = a.analyzeTable(ctx, src, tgt, syncer, table)
		}(i, table)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return diffs, nil
}

func (a *Analyzer) analyzeTable(ctx context.Context, src, tgt db.DB, syncer *datasync.Syncer, table string) (TableDiff, error) {
	diff := TableDiff{Table: table}

	localMeta := a.Adapter.TableMetadata(ctx, tgt, table)
	remoteMeta := a.Adapter.TableMetadata(ctx, src, table)

	if localMeta.Error || remoteMeta.Error {
		diff.NeedsSync = true
		diff.MetadataError = true
		return diff, nil
	}

	diff.LocalCount = localMeta.Count
	diff.RemoteCount = remoteMeta.Count

	pk, hasPK, err := a.Adapter.PrimaryKeyColumn(ctx, src, table)
	if err != nil {
		return diff, err
	}
	if hasPK && localMeta.Count > 0 {
		ids, err := syncer.GetIDsToDelete(ctx, src, tgt, table, pk)
		if err != nil {
			return diff, err
		}
		diff.IDsToDelete = ids
	}

	localMaxID := idValue(localMeta.MaxID)
	remoteMaxID := idValue(remoteMeta.MaxID)

	if len(diff.IDsToDelete) > 0 || remoteMeta.Count != localMeta.Count || remoteMaxID != localMaxID {
		diff.NeedsSync = true
	}

	if localMeta.HasUpdatedAt && remoteMeta.HasUpdatedAt {
		localMax := strValue(localMeta.MaxUpdatedAt)
		remoteMax := strValue(remoteMeta.MaxUpdatedAt)
		if localMax != remoteMax {
			diff.NeedsSync = true
			diff.HasUpdates = true
		}
	}

	return diff, nil
}

func idValue(v *int64) int64 {
	if v == nil {
		return -1
	}
	return *v
}

func strValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// BuildPlan takes diffs with NeedsSync, marks those named in refreshSet as
// Refreshed, then closes over parents: for every included table, its
// graph.DependsOn parents not already included are added, tagged
// IsParent.
func BuildPlan(diffs []TableDiff, refreshSet map[string]bool, graph *depgraph.Graph) *SyncPlan {
	plan := &SyncPlan{}

	included := make(map[string]bool)
	for _, d := range diffs {
		if !d.NeedsSync {
			continue
		}
		if refreshSet[d.Table] {
			d.Refreshed = true
		}
		plan.TablesToSync = append(plan.TablesToSync, d)
		included[d.Table] = true
	}

	for name := range refreshSet {
		plan.TablesToRefresh = append(plan.TablesToRefresh, name)
	}

	i := 0
	for i < len(plan.TablesToSync) {
		table := plan.TablesToSync[i].Table
		if node, ok := graph.Nodes[table]; ok {
			for parent := range node.DependsOn {
				if parent == table || included[parent] {
					continue
				}
				included[parent] = true
				plan.TablesToSync = append(plan.TablesToSync, TableDiff{
					Table:    parent,
					IsParent: true,
				})
			}
		}
		i++
	}

	return plan
}

// FilterActionable keeps plan entries that actually require work: the
// table is being refreshed, has ids to delete, has a count mismatch, has
// updates, or is a cascade-recheck child (IsChild, see the orchestrator's
// CASCADE RECHECK phase).
func FilterActionable(plan *SyncPlan) []TableDiff {
	var out []TableDiff
	for _, d := range plan.TablesToSync {
		if d.Refreshed || len(d.IDsToDelete) > 0 || d.RemoteCount != d.LocalCount || d.HasUpdates || d.IsChild {
			out = append(out, d)
		}
	}
	return out
}

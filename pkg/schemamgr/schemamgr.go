// SPDX-License-Identifier: Apache-2.0

// Package schemamgr detects missing or structurally changed tables and
// views between source and target, and rebuilds them from a source-dumped
// schema.
package schemamgr

import (
	"context"
	"strings"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
)

// RefreshSet is the output of FindTablesNeedingRefresh: names partitioned
// into missing (absent in target) and changed (present but structurally
// different per the adapter).
type RefreshSet struct {
	MissingTables []string
	ChangedTables []string
	MissingViews  []string
	ChangedViews  []string
}

// Manager drives schema detection and refresh against a single adapter.
type Manager struct {
	Adapter dbadapter.Adapter
	Graph   *depgraph.Graph
}

// New returns a Manager bound to adapter and the dependency graph used to
// order drop/create phases during refresh.
func New(adapter dbadapter.Adapter, graph *depgraph.Graph) *Manager {
	return &Manager{Adapter: adapter, Graph: graph}
}

// FindTablesNeedingRefresh partitions remoteTables/remoteViews into
// missing (absent in target) and changed (present but structurally
// different) sets.
func (m *Manager) FindTablesNeedingRefresh(ctx context.Context, src, tgt db.DB, remoteTables, remoteViews []string) (*RefreshSet, error) {
	rs := &RefreshSet{}

	for _, t := range remoteTables {
		exists, err := m.Adapter.TableExists(ctx, tgt, t)
		if err != nil {
			return nil, err
		}
		if !exists {
			rs.MissingTables = append(rs.MissingTables, t)
			continue
		}
		if m.Adapter.HasStructureChanged(ctx, src, tgt, t) {
			rs.ChangedTables = append(rs.ChangedTables, t)
		}
	}

	for _, v := range remoteViews {
		exists, err := m.Adapter.ViewExists(ctx, tgt, v)
		if err != nil {
			return nil, err
		}
		if !exists {
			rs.MissingViews = append(rs.MissingViews, v)
			continue
		}
		if m.Adapter.HasViewStructureChanged(ctx, src, tgt, v) {
			rs.ChangedViews = append(rs.ChangedViews, v)
		}
	}

	return rs, nil
}

// RefreshResult tallies the outcome of RefreshTablesStructure.
type RefreshResult struct {
	CreatedTables      int
	CreatedSequences   int
	CreatedConstraints int
	SkippedFK          int
	Errors             []string
}

// RefreshTablesStructure drops tables (children-first), dumps their
// schema from source (parents-first) and re-applies it statement by
// statement to target, then does the same for views. No statement
// failure aborts the refresh: a FOREIGN KEY statement whose error
// mentions "does not exist" is counted as SkippedFK (the referenced table
// is out of scope); every other failure is appended to Errors.
func (m *Manager) RefreshTablesStructure(ctx context.Context, srcCfg dbadapter.ConnConfig, tgt db.DB, tables, views []string) (*RefreshResult, error) {
	result := &RefreshResult{}

	dropOrder := m.Graph.Sort(tables, depgraph.ChildrenFirst)
	for _, t := range dropOrder {
		m.Adapter.DropTable(ctx, tgt, t)
	}

	createOrder := m.Graph.Sort(tables, depgraph.ParentsFirst)
	schemaSQL, err := m.Adapter.DumpSchema(ctx, srcCfg, createOrder)
	if err != nil {
		return nil, err
	}

	for _, stmt := range m.Adapter.ParseSQLStatements(schemaSQL) {
		if _, err := tgt.ExecContext(ctx, stmt); err != nil {
			classifyStatementError(result, stmt, err)
			continue
		}
		classifyStatementSuccess(result, stmt)
	}

	for _, v := range views {
		m.Adapter.DropView(ctx, tgt, v)
	}

	viewSQL, err := m.Adapter.DumpViewsSchema(ctx, srcCfg, views)
	if err != nil {
		return nil, err
	}

	for _, stmt := range m.Adapter.ParseSQLStatements(viewSQL) {
		if _, err := tgt.ExecContext(ctx, stmt); err != nil {
			result.Errors = append(result.Errors, "VIEW: "+err.Error())
			continue
		}
	}

	return result, nil
}

func classifyStatementSuccess(result *RefreshResult, stmt string) {
	upper := strings.ToUpper(stmt)
	switch {
	case strings.Contains(upper, "CREATE TABLE"):
		result.CreatedTables++
	case strings.Contains(upper, "CREATE SEQUENCE"):
		result.CreatedSequences++
	case strings.Contains(upper, "ADD CONSTRAINT"):
		result.CreatedConstraints++
	}
}

func classifyStatementError(result *RefreshResult, stmt string, err error) {
	upper := strings.ToUpper(stmt)
	if strings.Contains(upper, "FOREIGN KEY") && strings.Contains(err.Error(), "does not exist") {
		result.SkippedFK++
		return
	}
	result.Errors = append(result.Errors, err.Error())
}

// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package engine is the facade spec.md §6.2 describes: build_context
// sets up the scheduler and page allocator once per process lifetime,
// execute runs one query against that context, destroy_context tears it
// down.
//
// spec.md §6.2 additionally describes a static PlanNode IR (Scan | Join
// nodes with explicit build_left/left_attr/right_attr fields) that an
// external loader assembles and hands to execute. This repository folds
// that cost-based assembly step into queryplan.Build itself (DPccp picks
// the join order at Build time rather than before it, per this
// repository's §4.9/§4.10 treatment of QueryPlan as doing its own
// planning) — so Execute's second argument is a queryplan.Join
// (equivalence classes plus restrictions, the loader-level input) rather
// than a pre-built PlanNode sequence. Nothing downstream of Build cares
// which step chose the join order; Plan.Run still walks exactly the
// Scan/Join pipeline shape §6.2 names.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/config"
	"github.com/colhash/joinengine/pagemem"
	"github.com/colhash/joinengine/queryplan"
	"github.com/colhash/joinengine/sched"
)

// defaultRAMBudget is the arena size build_context falls back to when
// config.TotalRAM can't detect physical memory (non-Linux platforms).
const defaultRAMBudget = 512 * 1024 * 1024

// Context is one process-lifetime setup of the scheduler and page pool,
// per spec.md §6.2's build_context/destroy_context pair.
type Context struct {
	ID    uuid.UUID
	Cfg   config.Config
	Sched *sched.Scheduler
	Pages *pagemem.Allocator
}

// BuildContext implements spec.md's build_context(): it sizes the page
// pool off cfg.RAMBudget (or defaultRAMBudget if RAM can't be detected)
// and starts a worker pool sized to cfg.Concurrency.
func BuildContext(cfg config.Config) (*Context, error) {
	budget, err := cfg.RAMBudget()
	if err != nil {
		return nil, fmt.Errorf("engine: build_context: %w", err)
	}
	if budget == 0 {
		budget = defaultRAMBudget
	}

	pages, err := pagemem.New(budget)
	if err != nil {
		return nil, fmt.Errorf("engine: build_context: %w", err)
	}

	s := sched.New(cfg.Concurrency, nil)
	s.Setup()

	return &Context{ID: uuid.New(), Cfg: cfg, Sched: s, Pages: pages}, nil
}

// DestroyContext implements spec.md's destroy_context(Context): it
// drains the worker pool and releases the page-pool arena. ctx must not
// be used again afterwards.
func DestroyContext(ctx *Context) error {
	ctx.Sched.Teardown()
	return ctx.Pages.Close()
}

// ColumnarTable is the execute() result shape spec.md §6.2 names:
// {num_rows, columns}.
type ColumnarTable struct {
	NumRows int
	Columns []*column.Column
}

// Execute implements spec.md's execute(Plan, Context) → ColumnarTable:
// it runs j's join end to end against ctx's scheduler, brackets the run
// with the scheduler's StartQuery/EndQuery (which pause and resume its
// background maintenance; the page pool's own StartQuery reclamation
// pass is not called here), and recovers a worker-task panic into a
// returned error rather than crashing the process (§7).
func Execute(ctx *Context, j *queryplan.Join) (ColumnarTable, error) {
	ctx.Sched.StartQuery()
	defer ctx.Sched.EndQuery()

	plan := queryplan.Build(j)

	var cols []*column.Column
	var workerErr error
	sched.Protect(0, &workerErr, func() {
		cols = plan.Run(ctx.Sched)
	})
	if workerErr != nil {
		return ColumnarTable{}, fmt.Errorf("engine: execute: %w", workerErr)
	}

	numRows := 0
	if len(cols) > 0 {
		numRows = cols[0].NumRows()
	}
	return ColumnarTable{NumRows: numRows, Columns: cols}, nil
}

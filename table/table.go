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

// Package table holds the logical in-memory relations a query plans and
// executes over: a DataSource owning a set of named Tables, each a row
// count plus an ordered list of typed column.Column values (spec.md
// §3.2).
package table

import (
	"fmt"

	"github.com/colhash/joinengine/column"
)

// maxNameLen bounds table names, mirroring the source's
// Table::nameLenLimit guard against pathological catalog entries.
const maxNameLen = 1024 - 24

// Table is one named relation: a fixed row count and an ordered set of
// equal-length columns.
type Table struct {
	Name    string
	NumRows int
	Columns []*column.Column
}

// NewTable validates and constructs a Table. All columns must report
// the same NumRows as the table itself.
func NewTable(name string, numRows int, cols []*column.Column) (*Table, error) {
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("table: name %q exceeds %d bytes", name, maxNameLen)
	}
	for i, c := range cols {
		if c.NumRows() != numRows {
			return nil, fmt.Errorf("table %q: column %d has %d rows, want %d", name, i, c.NumRows(), numRows)
		}
	}
	return &Table{Name: name, NumRows: numRows, Columns: cols}, nil
}

// Column returns the i-th column, or nil if out of range.
func (t *Table) Column(i int) *column.Column {
	if i < 0 || i >= len(t.Columns) {
		return nil
	}
	return t.Columns[i]
}

// DataSource is the full set of relations a query may reference,
// addressed by name (spec.md §3.2).
type DataSource struct {
	tables []*Table
	byName map[string]int
}

// NewDataSource builds a DataSource from a set of tables; table names
// must be unique.
func NewDataSource(tables []*Table) (*DataSource, error) {
	ds := &DataSource{
		tables: tables,
		byName: make(map[string]int, len(tables)),
	}
	for i, t := range tables {
		if _, dup := ds.byName[t.Name]; dup {
			return nil, fmt.Errorf("table: duplicate table name %q", t.Name)
		}
		ds.byName[t.Name] = i
	}
	return ds, nil
}

// Table looks up a relation by name.
func (ds *DataSource) Table(name string) (*Table, bool) {
	i, ok := ds.byName[name]
	if !ok {
		return nil, false
	}
	return ds.tables[i], true
}

// TableAt returns the i-th relation in declaration order, used by the
// planner to address relations by small integer id (relset.Set
// membership, spec.md §5.1).
func (ds *DataSource) TableAt(i int) *Table { return ds.tables[i] }

// NumTables returns the number of relations in the data source.
func (ds *DataSource) NumTables() int { return len(ds.tables) }

// Tables returns the full, ordered relation list.
func (ds *DataSource) Tables() []*Table { return ds.tables }

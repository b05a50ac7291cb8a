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

// vjoind is the command-line loader spec.md §5 describes ("the driver")
// for this hash-join engine: it opens a diskcache file, constructs a
// queryplan.Join over two of its tables, and drives it through
// engine.BuildContext/Execute/DestroyContext, printing the result shape.
//
// Grounded on cmd/sdb/main.go's dispatch shape: plain flag package,
// package-level flag variables set in init(), a switch over args[0] for
// subcommands, exitf/logf helpers instead of a cobra/cli framework.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/colhash/joinengine/config"
	"github.com/colhash/joinengine/diskcache"
	"github.com/colhash/joinengine/engine"
	"github.com/colhash/joinengine/queryplan"
	"github.com/colhash/joinengine/table"
)

var (
	dashv       bool
	dashconfig  string
	dashleft    string
	dashright   string
	dashleftcol int
	dashrghtcol int
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dashconfig, "config", "", "path to a config.Config YAML file (defaults to config.Default())")
	flag.StringVar(&dashleft, "left", "", "name of the left (probe-side) table")
	flag.StringVar(&dashright, "right", "", "name of the right (build-side) table")
	flag.IntVar(&dashleftcol, "leftcol", 0, "left table's join-key column index")
	flag.IntVar(&dashrghtcol, "rightcol", 0, "right table's join-key column index")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		fmt.Fprintf(os.Stderr, f, args...)
	}
}

func loadConfig() config.Config {
	if dashconfig == "" {
		return config.Default()
	}
	cfg, err := config.Load(dashconfig)
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	return cfg
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  vjoind describe <cache-file>\n")
	fmt.Fprintf(os.Stderr, "  vjoind join -left=<table> -right=<table> [-leftcol=N] [-rightcol=N] <cache-file>\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "describe":
		if len(args) != 2 {
			exitf("vjoind: describe takes exactly one cache file\n")
		}
		cmdDescribe(args[1])
	case "join":
		if len(args) != 2 {
			exitf("vjoind: join takes exactly one cache file\n")
		}
		cmdJoin(args[1])
	default:
		exitf("vjoind: unrecognized subcommand %q\n", args[0])
	}
}

func cmdDescribe(path string) {
	c, err := diskcache.Open(path)
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	defer c.Close()

	ds, err := c.DataSource()
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	for _, tbl := range ds.Tables() {
		fmt.Printf("%s: %d rows, %d columns\n", tbl.Name, tbl.NumRows, len(tbl.Columns))
		for i, col := range tbl.Columns {
			fmt.Printf("  [%d] %s, %d pages\n", i, col.Type, len(col.Pages))
		}
	}
}

func cmdJoin(path string) {
	if dashleft == "" || dashright == "" {
		exitf("vjoind: join requires -left and -right table names\n")
	}

	c, err := diskcache.Open(path)
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	defer c.Close()

	ds, err := c.DataSource()
	if err != nil {
		exitf("vjoind: %s\n", err)
	}

	left, ok := ds.Table(dashleft)
	if !ok {
		exitf("vjoind: no such table %q\n", dashleft)
	}
	right, ok := ds.Table(dashright)
	if !ok {
		exitf("vjoind: no such table %q\n", dashright)
	}
	leftID, rightID := tableIndex(ds, left.Name), tableIndex(ds, right.Name)

	output := make([]queryplan.ColRef, 0, len(left.Columns)+len(right.Columns))
	for i := range left.Columns {
		output = append(output, queryplan.ColRef{Table: leftID, Column: i})
	}
	for i := range right.Columns {
		output = append(output, queryplan.ColRef{Table: rightID, Column: i})
	}

	j := &queryplan.Join{
		DS: ds,
		EqClasses: [][]queryplan.ColRef{
			{
				{Table: leftID, Column: dashleftcol},
				{Table: rightID, Column: dashrghtcol},
			},
		},
		Output: output,
	}

	cfg := loadConfig()
	ctx, err := engine.BuildContext(cfg)
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	defer func() {
		if err := engine.DestroyContext(ctx); err != nil {
			exitf("vjoind: %s\n", err)
		}
	}()

	logf("vjoind: executing query %s\n", ctx.ID)
	result, err := engine.Execute(ctx, j)
	if err != nil {
		exitf("vjoind: %s\n", err)
	}
	fmt.Printf("%d rows, %d columns\n", result.NumRows, len(result.Columns))
}

func tableIndex(ds *table.DataSource, name string) int {
	for i := 0; i < ds.NumTables(); i++ {
		if ds.TableAt(i).Name == name {
			return i
		}
	}
	exitf("vjoind: no such table %q\n", name)
	return -1
}

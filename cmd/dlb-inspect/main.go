// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command dlb-inspect dumps the content of a run-database: every
// recorded tool instance and the filesystem inputs observed under it.
// It only reads rows and takes no lock, so it can be run against a
// working tree another dlb process currently owns. It opens the file
// through rundb.Open, which creates the database and its schema when
// they are missing.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dlb/internal/logging"
	"dlb/internal/rundb"
)

func main() {
	var (
		root     = flag.String("root", ".", "working tree root (directory containing .dlbroot)")
		logLevel = flag.String("log-level", "warn", "log level (debug, info, warn, error)")
		verbose  = flag.Bool("v", false, "also list every recorded filesystem input")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if err := run(*root, *verbose, logger); err != nil {
		slog.Error("dlb-inspect failed", "error", err)
		os.Exit(1)
	}
}

func run(root string, verbose bool, logger *slog.Logger) error {
	dbPath := filepath.Join(root, ".dlbroot", rundb.FileName())
	ctx := context.Background()

	db, err := rundb.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	summaries, err := db.ListToolInstances(ctx)
	if err != nil {
		return fmt.Errorf("list tool instances: %w", err)
	}

	fmt.Printf("%s: %d tool instance(s)\n", dbPath, len(summaries))
	for _, s := range summaries {
		lastRedo := "never"
		if s.LastRedoAt != nil {
			lastRedo = s.LastRedoAt.Format(time.RFC3339)
		}
		fmt.Printf("\n#%d tool=%s fingerprint=%s\n", s.ID, hex.EncodeToString(s.ToolID), hex.EncodeToString(s.Fingerprint))
		fmt.Printf("  last_redo_returned=%v last_redo_at=%s inputs=%d unknown_memos=%d\n",
			s.LastRedoReturned, lastRedo, s.InputCount, s.UnknownMemoCount)

		if !verbose {
			continue
		}
		inputs, err := db.GetFSObjectInputs(ctx, s.ID, nil)
		if err != nil {
			return fmt.Errorf("list inputs for tool instance %d: %w", s.ID, err)
		}
		for path, in := range inputs {
			memoState := "known"
			if in.Memo == nil {
				memoState = "unknown"
			}
			fmt.Printf("    %-8s explicit=%v memo=%s\n", path, in.IsExplicit, memoState)
		}
	}
	return nil
}

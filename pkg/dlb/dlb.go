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

// Package dlb is the public facade a build script imports: it wires
// the working tree, tool classes, and redo instances together behind
// names a script author works with directly, re-exporting the
// internal packages that implement each piece.
package dlb

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"dlb/internal/depend"
	"dlb/internal/fspath"
	"dlb/internal/metrics"
	"dlb/internal/redo"
	"dlb/internal/redoctx"
	"dlb/internal/sequencer"
	"dlb/internal/tool"
	"dlb/internal/worktree"
)

// Re-exported types and constructors a build script uses directly.
type (
	Path               = fspath.Path
	Restriction        = fspath.Restriction
	Descriptor         = depend.Descriptor
	NamedDescriptor    = depend.NamedDescriptor
	ToolClass          = tool.Class
	DefinitionLocation = tool.DefinitionLocation
	Params             = tool.Params
	RedoFunc           = tool.RedoFunc
	Result             = tool.Result
	RedoContext        = redoctx.Interface
	Instance           = redo.Instance
	Proxy              = sequencer.Proxy
)

const (
	RestrictToRelative      = fspath.RestrictToRelative
	RestrictNoSpace         = fspath.RestrictNoSpace
	RestrictPOSIXPortable   = fspath.RestrictPOSIXPortable
	RestrictWindowsPortable = fspath.RestrictWindowsPortable
	RestrictPortable        = fspath.RestrictPortable
)

var (
	NewPath                 = fspath.New
	MustPath                = fspath.MustNew
	NewRegularFileInput     = depend.NewRegularFileInput
	NewRegularFileOutput    = depend.NewRegularFileOutput
	NewDirectoryInput       = depend.NewDirectoryInput
	NewDirectoryOutput      = depend.NewDirectoryOutput
	NewNonRegularFileInput  = depend.NewNonRegularFileInput
	NewNonRegularFileOutput = depend.NewNonRegularFileOutput
	NewEnvVarInput          = depend.NewEnvVarInput
	NewObjectInput          = depend.NewObjectInput
	NewToolClass            = tool.NewClass
)

// Root is an active working tree: the entry point a script obtains
// once at startup and exits once at shutdown.
type Root struct {
	rc    *worktree.RootContext
	seq   *sequencer.Sequencer
	rm    *metrics.Redo
	log   *slog.Logger
}

// Options configures OpenRoot.
type Options struct {
	Parallelism int
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
}

// OpenRoot enters the working tree at rootDir, returning a Root ready
// to construct tool instances against. Call Close when the build is
// finished.
func OpenRoot(ctx context.Context, rootDir string, opts Options) (*Root, error) {
	rc, err := worktree.Enter(ctx, rootDir, opts.Logger)
	if err != nil {
		return nil, err
	}
	parallelism := opts.Parallelism
	if parallelism == 0 {
		parallelism = 1
	}
	return &Root{
		rc:  rc,
		seq: sequencer.New(parallelism, opts.Logger, opts.Registerer),
		rm:  metrics.NewRedo(opts.Registerer),
		log: opts.Logger,
	}, nil
}

// Close completes all in-flight redos and releases the working tree.
func (r *Root) Close(ctx context.Context) error {
	r.seq.CompleteAll()
	return r.rc.Exit(ctx)
}

// NewInstance binds class to explicitValues, ready to Start. The tool's
// permanent local ID is derived internally from class.SourceFiles.
func (r *Root) NewInstance(class *tool.Class, explicitValues map[string]any) (*Instance, error) {
	return redo.NewInstance(class, explicitValues, r.rc, r.seq, r.rm, r.log)
}

// CompleteAll blocks until every redo submitted so far has finished.
func (r *Root) CompleteAll() { r.seq.CompleteAll() }

// CancelAll cancels every pending and running redo.
func (r *Root) CancelAll() { r.seq.CancelAll() }

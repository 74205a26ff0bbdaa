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

// Package redo implements the redo decision and execution engine: it
// binds a tool class to concrete explicit dependency values, decides
// whether past evidence still justifies skipping the redo, and, when
// not, runs the class's RedoFunc under a fresh redoctx.RedoContext and
// records what it observed.
package redo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"dlb/internal/depend"
	"dlb/internal/fspath"
	"dlb/internal/logging"
	"dlb/internal/memo"
	"dlb/internal/metrics"
	"dlb/internal/redoctx"
	"dlb/internal/rundb"
	"dlb/internal/sequencer"
	"dlb/internal/tool"
	"dlb/internal/worktree"
)

// RedoError wraps a failure of the user's RedoFunc or of the
// post-conditions the engine checks afterwards (a required
// non-explicit dependency left unassigned). The run-database row for
// this instance is left untouched: the next Start will redo again.
type RedoError struct {
	ToolName string
	Err      error
}

func (e *RedoError) Error() string {
	return fmt.Sprintf("redo: %s: %v", e.ToolName, e.Err)
}

func (e *RedoError) Unwrap() error { return e.Err }

// Instance binds a tool.Class to one set of explicit dependency
// values: a path for each file/directory dependency, a string for
// each env-var dependency, a JSON-marshallable value for each object
// dependency.
type Instance struct {
	class          *tool.Class
	toolID         [32]byte
	sourcePaths    []fspath.Path
	explicitValues map[string]any

	root    *worktree.RootContext
	seq     *sequencer.Sequencer
	metrics *metrics.Redo
	logger  *slog.Logger
}

// NewInstance validates explicit values against class's descriptors and
// the input/output disjointness invariant (a path may never be both one
// of this instance's inputs and one of its outputs). It also derives
// the tool's permanent local ID from class.SourceFiles, reading each
// file's current bytes through root so that editing a tool's own
// defining source changes every instance's identity and forces a redo.
func NewInstance(class *tool.Class, explicitValues map[string]any, root *worktree.RootContext, seq *sequencer.Sequencer, redoMetrics *metrics.Redo, logger *slog.Logger) (*Instance, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var violations []*depend.ValidationError
	for _, nd := range class.Descriptors {
		v, has := explicitValues[nd.Name]
		if nd.Descriptor.Explicit() {
			if !has {
				violations = append(violations, &depend.ValidationError{Field: nd.Name, Reason: "explicit dependency requires a value at construction"})
				continue
			}
			if err := nd.Descriptor.Validate(v); err != nil {
				violations = append(violations, &depend.ValidationError{Field: nd.Name, Reason: err.Error()})
			}
		} else if has {
			violations = append(violations, &depend.ValidationError{Field: nd.Name, Reason: "non-explicit dependency must not be supplied at construction"})
		}
	}
	if len(violations) > 0 {
		return nil, &depend.DependencyError{Violations: violations}
	}

	if err := checkDisjointness(class, explicitValues); err != nil {
		return nil, err
	}

	sourcePaths, sourceBytes, err := readSourceFiles(class, root)
	if err != nil {
		return nil, err
	}
	toolID, err := class.PermanentLocalToolID(sourceBytes)
	if err != nil {
		return nil, err
	}

	return &Instance{
		class:          class,
		toolID:         toolID,
		sourcePaths:    sourcePaths,
		explicitValues: explicitValues,
		root:           root,
		seq:            seq,
		metrics:        redoMetrics,
		logger:         logger,
	}, nil
}

func readSourceFiles(class *tool.Class, root *worktree.RootContext) ([]fspath.Path, map[string][]byte, error) {
	paths := make([]fspath.Path, 0, len(class.SourceFiles))
	bytesByFile := make(map[string][]byte, len(class.SourceFiles))
	for _, f := range class.SourceFiles {
		p, err := fspath.New(f, fspath.RestrictToRelative)
		if err != nil {
			return nil, nil, fmt.Errorf("redo: tool class %s: source file %q: %w", class.Name, f, err)
		}
		native, err := root.WorkingTreePathOf(p, true)
		if err != nil {
			return nil, nil, err
		}
		b, err := os.ReadFile(native)
		if err != nil {
			return nil, nil, fmt.Errorf("redo: tool class %s: reading source file %q: %w", class.Name, f, err)
		}
		paths = append(paths, p)
		bytesByFile[f] = b
	}
	return paths, bytesByFile, nil
}

func checkDisjointness(class *tool.Class, values map[string]any) error {
	inputs := map[[32]byte]string{}
	outputs := map[[32]byte]string{}

	for _, nd := range class.Descriptors {
		role := nd.Descriptor.Role()
		if !role.IsPath() {
			continue
		}
		v, ok := values[nd.Name]
		if !ok {
			continue
		}
		id, err := nd.Descriptor.ValueID(v)
		if err != nil {
			return &depend.DependencyError{Violations: []*depend.ValidationError{{Field: nd.Name, Reason: err.Error()}}}
		}
		if role.IsOutput() {
			if other, exists := outputs[id]; exists {
				return &depend.DependencyError{Violations: []*depend.ValidationError{{Field: nd.Name, Reason: fmt.Sprintf("names the same path as output %q", other)}}}
			}
			outputs[id] = nd.Name
		} else {
			inputs[id] = nd.Name
		}
	}
	for id, name := range outputs {
		if in, exists := inputs[id]; exists {
			return &depend.DependencyError{Violations: []*depend.ValidationError{{Field: name, Reason: fmt.Sprintf("also named as input %q: a path may not be both", in)}}}
		}
	}
	return nil
}

// Fingerprint hashes the tool ID together with every explicit
// dependency's value identity and the class's execution parameters, in
// the class's canonical descriptor order.
func (inst *Instance) Fingerprint() ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, err
	}
	_, _ = h.Write(inst.toolID[:])

	for _, nd := range inst.class.Descriptors {
		if !nd.Descriptor.Explicit() {
			continue
		}
		id, err := nd.Descriptor.ValueID(inst.explicitValues[nd.Name])
		if err != nil {
			return [32]byte{}, err
		}
		_, _ = h.Write([]byte(nd.Name))
		_, _ = h.Write(id[:])
	}

	keys := make([]string, 0, len(inst.class.Params))
	for k := range inst.class.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = fmt.Fprintf(h, "%#v", inst.class.Params[k])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Start synchronously computes this instance's fingerprint, looks up
// and registers its run-database row, and decides whether past
// evidence still justifies skipping the redo. When it does, it returns
// an already-completed non-redo proxy; otherwise it enqueues the redo
// task on the sequencer and returns a proxy for the caller to wait on.
func (inst *Instance) Start(ctx context.Context, force bool) (*sequencer.Proxy, error) {
	fingerprint, err := inst.Fingerprint()
	if err != nil {
		return nil, err
	}

	priorRow, err := inst.root.DB().GetToolInstance(ctx, inst.toolID[:], fingerprint[:])
	if err != nil {
		return nil, err
	}
	toolInstanceID, err := inst.root.DB().RegisterToolInstance(ctx, inst.toolID[:], fingerprint[:])
	if err != nil {
		return nil, err
	}

	needed, reason, err := inst.decide(ctx, toolInstanceID, priorRow, force)
	if err != nil {
		return nil, err
	}

	inst.logger.Info("redo decision", "tool", inst.class.Name, "redo", needed, "reason", reason)

	if !needed {
		inst.metrics.Total.WithLabelValues("cached").Inc()
		return sequencer.Completed(false, nil), nil
	}

	key := sequencer.TaskKey{ToolInstanceID: toolInstanceID, Fingerprint: fingerprint}
	proxy, coalesced := inst.seq.Submit(key, inst.runTask(toolInstanceID))
	if coalesced {
		inst.logger.Debug("redo coalesced onto in-flight task", "tool", inst.class.Name)
	}
	return proxy, nil
}

// decide weighs every redo trigger in turn: an explicit force request, no
// prior redo for this (tool, fingerprint) pair, the previous redo having
// requested a rerun, a recorded input's memo being unknown or having
// drifted (including invalidation by another instance's completed redo
// of a path this one depends on), or a declared output now missing or of
// the wrong kind.
func (inst *Instance) decide(ctx context.Context, toolInstanceID int64, priorRow *rundb.ToolInstanceRow, force bool) (bool, string, error) {
	if force {
		return true, "forced", nil
	}
	if priorRow == nil || priorRow.LastRedoAt == nil {
		return true, "no prior redo for this tool and fingerprint", nil
	}
	if priorRow.LastRedoReturned {
		return true, "previous redo requested a rerun", nil
	}

	recorded, err := inst.root.DB().GetFSObjectInputs(ctx, toolInstanceID, nil)
	if err != nil {
		return false, "", err
	}
	for encodedPath, in := range recorded {
		if in.Memo == nil {
			return true, fmt.Sprintf("input %s memo is unknown or was invalidated", encodedPath), nil
		}
		native := filepath.Join(inst.root.RootNative(), strings.TrimSuffix(encodedPath, "/"))
		fresh, err := memo.Read(native)
		if err != nil {
			return false, "", err
		}
		freshBytes, err := memo.Encode(fresh)
		if err != nil {
			return false, "", err
		}
		if !bytes.Equal(freshBytes, in.Memo) {
			return true, fmt.Sprintf("input %s memo drifted", encodedPath), nil
		}
	}

	for _, nd := range inst.class.Descriptors {
		role := nd.Descriptor.Role()
		if !role.IsPath() || !role.IsOutput() {
			continue
		}
		p, ok := inst.explicitValues[nd.Name].(fspath.Path)
		if !ok {
			continue
		}
		native, err := inst.root.WorkingTreePathOf(p, true)
		if err != nil {
			return false, "", err
		}
		fi, statErr := os.Lstat(native)
		wantDir := role == depend.RoleDirectoryOutput
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return true, fmt.Sprintf("output %s is missing", nd.Name), nil
			}
			return false, "", statErr
		}
		if fi.IsDir() != wantDir {
			return true, fmt.Sprintf("output %s is of the wrong kind", nd.Name), nil
		}
	}

	return false, "", nil
}

func (inst *Instance) runTask(toolInstanceID int64) sequencer.Task {
	return func(ctx context.Context, taskID uuid.UUID) (any, error) {
		start := time.Now()
		nonExplicit := map[string]depend.Descriptor{}
		for _, nd := range inst.class.Descriptors {
			if !nd.Descriptor.Explicit() {
				nonExplicit[nd.Name] = nd.Descriptor
			}
		}
		result := newResult(nonExplicit)

		env := worktree.RootEnvDict()
		for _, nd := range inst.class.Descriptors {
			if nd.Descriptor.Role() == depend.RoleEnvVarInput {
				if v, ok := inst.explicitValues[nd.Name].(string); ok {
					env = env.WithSet(nd.Name, v)
				}
			}
		}

		rc := redoctx.New(inst.root, env)
		if err := rc.Begin(); err != nil {
			inst.metrics.Total.WithLabelValues("failed").Inc()
			return nil, &RedoError{ToolName: inst.class.Name, Err: err}
		}

		if err := inst.removeObstructingOutputs(); err != nil {
			rc.End(false)
			inst.metrics.Total.WithLabelValues("failed").Inc()
			return nil, &RedoError{ToolName: inst.class.Name, Err: err}
		}

		redoErr := inst.class.Redo(ctx, rc, result)
		if redoErr == nil {
			if missing := result.missingRequired(); len(missing) > 0 {
				redoErr = fmt.Errorf("required non-explicit dependency(ies) not assigned: %v", missing)
			}
		}

		if redoErr != nil {
			rc.End(false)
			inst.metrics.Total.WithLabelValues("failed").Inc()
			inst.metrics.Duration.Observe(time.Since(start).Seconds())
			return nil, &RedoError{ToolName: inst.class.Name, Err: redoErr}
		}
		rc.End(true)

		sampleTime := inst.root.SampleTime()
		inputs, err := inst.captureMemos(rc, sampleTime)
		if err != nil {
			inst.metrics.Total.WithLabelValues("failed").Inc()
			return nil, &RedoError{ToolName: inst.class.Name, Err: err}
		}
		for _, p := range rc.ModifiedOutputs() {
			if err := inst.root.DB().DeclareFSObjectInputAsModified(ctx, rundb.EncodePath(p.Components())); err != nil {
				inst.metrics.Total.WithLabelValues("failed").Inc()
				return nil, err
			}
		}

		if err := inst.root.DB().ReplaceFSObjectInputs(ctx, toolInstanceID, inputs); err != nil {
			inst.metrics.Total.WithLabelValues("failed").Inc()
			return nil, err
		}
		if err := inst.root.DB().SetLastRedo(ctx, toolInstanceID, result.rerun, sampleTime); err != nil {
			inst.metrics.Total.WithLabelValues("failed").Inc()
			return nil, err
		}

		inst.metrics.Total.WithLabelValues("redo").Inc()
		inst.metrics.Duration.Observe(time.Since(start).Seconds())
		return true, nil
	}
}

func (inst *Instance) removeObstructingOutputs() error {
	for _, nd := range inst.class.Descriptors {
		role := nd.Descriptor.Role()
		if !role.IsPath() || !role.IsOutput() {
			continue
		}
		p, ok := inst.explicitValues[nd.Name].(fspath.Path)
		if !ok {
			continue
		}
		native, err := inst.root.WorkingTreePathOf(p, true)
		if err != nil {
			return err
		}
		fi, err := os.Lstat(native)
		if err != nil {
			continue // nothing to remove
		}
		wantDir := role == depend.RoleDirectoryOutput
		if fi.IsDir() != wantDir {
			if err := os.RemoveAll(native); err != nil {
				return fmt.Errorf("redo: clearing obstructing output %s: %w", nd.Name, err)
			}
		}
	}
	return nil
}

func (inst *Instance) captureMemos(rc *redoctx.RedoContext, sampleTime time.Time) (map[string]rundb.FSObjectInput, error) {
	out := map[string]rundb.FSObjectInput{}

	for _, p := range inst.sourcePaths {
		native, err := inst.root.WorkingTreePathOf(p, true)
		if err != nil {
			return nil, err
		}
		b, err := freshMemoBytes(native, sampleTime)
		if err != nil {
			return nil, err
		}
		out[rundb.EncodePath(p.Components())] = rundb.FSObjectInput{IsExplicit: true, Memo: b}
	}

	for _, nd := range inst.class.Descriptors {
		if !nd.Descriptor.Explicit() || !nd.Descriptor.Role().IsPath() {
			continue
		}
		p, ok := inst.explicitValues[nd.Name].(fspath.Path)
		if !ok {
			continue
		}
		native, err := inst.root.WorkingTreePathOf(p, true)
		if err != nil {
			return nil, err
		}
		b, err := freshMemoBytes(native, sampleTime)
		if err != nil {
			return nil, err
		}
		out[rundb.EncodePath(p.Components())] = rundb.FSObjectInput{IsExplicit: true, Memo: b}
	}

	modified := rc.ModifiedOutputs()
	for _, p := range modified {
		native, err := inst.root.WorkingTreePathOf(p, true)
		if err != nil {
			return nil, err
		}
		b, err := freshMemoBytes(native, sampleTime)
		if err != nil {
			return nil, err
		}
		out[rundb.EncodePath(p.Components())] = rundb.FSObjectInput{IsExplicit: true, Memo: b}
	}

	return out, nil
}

// freshMemoBytes applies the memo freshness rule: a memo is recorded
// only if its mtime is strictly older than threshold; otherwise it is
// stored as unknown so the next run conservatively redoes.
func freshMemoBytes(native string, threshold time.Time) ([]byte, error) {
	m, err := memo.Read(native)
	if err != nil {
		return nil, err
	}
	if m.Stat != nil && m.Stat.ModTimeNS >= threshold.UnixNano() {
		return nil, nil
	}
	return memo.Encode(m)
}

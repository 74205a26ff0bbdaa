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

package sequencer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSubmitCoalescesSameKey(t *testing.T) {
	s := New(4, nil, nil)
	var starts atomic.Int32
	key := TaskKey{ToolInstanceID: 1}
	task := func(ctx context.Context, id uuid.UUID) (any, error) {
		starts.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 42, nil
	}

	p1, coalesced1 := s.Submit(key, task)
	p2, coalesced2 := s.Submit(key, task)
	if coalesced1 {
		t.Fatal("first submission must not be coalesced")
	}
	if !coalesced2 {
		t.Fatal("second submission with the same key must coalesce")
	}
	if p1 != p2 {
		t.Fatal("expected the same proxy for coalesced submissions")
	}

	v, err := p1.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.(int) != 42 {
		t.Fatalf("unexpected result %v", v)
	}
	if starts.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", starts.Load())
	}
}

func TestParallelismBoundNeverExceeded(t *testing.T) {
	const bound = 3
	s := New(bound, nil, nil)
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	task := func(ctx context.Context, id uuid.UUID) (any, error) {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}

	for i := 0; i < 10; i++ {
		s.Submit(TaskKey{ToolInstanceID: int64(i)}, task)
	}
	s.CompleteAll()

	if maxConcurrent.Load() > bound {
		t.Fatalf("observed %d concurrent tasks, bound was %d", maxConcurrent.Load(), bound)
	}
}

func TestCancelAllStopsPendingTasks(t *testing.T) {
	s := New(1, nil, nil)
	task := func(ctx context.Context, id uuid.UUID) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "ran", nil
		}
	}
	p, _ := s.Submit(TaskKey{ToolInstanceID: 1}, task)
	s.CancelAll()
	_, err := p.Result(context.Background())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestConsumeForgetsFinishedTasks(t *testing.T) {
	s := New(0, nil, nil)
	key := TaskKey{ToolInstanceID: 7}
	task := func(ctx context.Context, id uuid.UUID) (any, error) { return "done", nil }
	p, _ := s.Submit(key, task)
	<-p.Done()

	finished := s.Consume()
	if _, ok := finished[key]; !ok {
		t.Fatal("expected finished task to be returned by Consume")
	}

	var secondStarted atomic.Bool
	p2, coalesced := s.Submit(key, func(ctx context.Context, id uuid.UUID) (any, error) {
		secondStarted.Store(true)
		return "done again", nil
	})
	if coalesced {
		t.Fatal("expected a fresh task after Consume forgot the key")
	}
	p2.Result(context.Background())
	if !secondStarted.Load() {
		t.Fatal("expected second task to actually run")
	}
}

// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDrainRefusesNewWork(t *testing.T) {
	d := NewDrainState()

	if !d.Begin() {
		t.Fatal("Begin should admit before drain")
	}
	d.End()

	d.Drain()
	if d.Begin() {
		t.Error("Begin should refuse after drain")
	}
	if !d.Draining() {
		t.Error("Draining should report true")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	d := NewDrainState()

	if !d.Begin() {
		t.Fatal("Begin refused")
	}

	done := make(chan struct{})
	go func() {
		d.Drain()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Drain returned with a request still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	d.End()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after the last request finished")
	}
}

// Admission races drain: once Drain returns, every admitted request has
// finished and no new one is admitted.
func TestDrainAdmissionRace(t *testing.T) {
	d := NewDrainState()

	var running atomic.Int32
	stop := make(chan struct{})
	var workers sync.WaitGroup
	for i := 0; i < 8; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if d.Begin() {
					running.Add(1)
					running.Add(-1)
					d.End()
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	d.Drain()

	if n := running.Load(); n != 0 {
		t.Errorf("%d requests still running after Drain returned", n)
	}
	if d.Begin() {
		t.Error("Begin should refuse after drain")
	}
	close(stop)
	workers.Wait()
}

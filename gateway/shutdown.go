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
)

// DrainState coordinates graceful shutdown. Once draining, new validations
// are refused while in-flight ones run to completion, so every accepted
// request still gets its audit record flushed before the process exits.
type DrainState struct {
	mu       sync.Mutex
	draining bool
	inFlight sync.WaitGroup
}

func NewDrainState() *DrainState {
	return &DrainState{}
}

// Begin marks a request as in-flight. Returns false if the gateway is
// draining and the request must be refused. The flag check and the counter
// increment happen under one lock, so Drain can never observe a zero
// counter while an admitted request is still being registered.
func (d *DrainState) Begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.inFlight.Add(1)
	return true
}

// End marks a request complete.
func (d *DrainState) End() {
	d.inFlight.Done()
}

// Drain stops admitting new requests and blocks until in-flight ones
// finish. The caller enforces its own deadline around this.
func (d *DrainState) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.inFlight.Wait()
}

// Draining reports whether shutdown has begun. The readiness probe flips
// once this is true.
func (d *DrainState) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

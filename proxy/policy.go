// Copyright 2015 Matthew Holt and The Caddy Authors
//
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

package proxy

import (
	"math/rand"
	"sync"
)

// Policy decides which target from a host's or location's target set
// serves a request. Implementations must be safe for concurrent use.
type Policy interface {
	Select(targets []string) string
}

// Random selects a target uniformly at random. Each request
// re-selects; there is no stickiness.
type Random struct{}

// Select selects a target at random from targets.
func (Random) Select(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	return targets[rand.Intn(len(targets))]
}

// RoundRobin selects targets in rotating order.
type RoundRobin struct {
	robin uint32
	mu    sync.Mutex
}

// Select selects the next target in round-robin order.
func (r *RoundRobin) Select(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.robin++
	return targets[int(r.robin)%len(targets)]
}

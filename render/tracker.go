// Copyright 2022 The viewcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package render

import "fmt"

// MaxRateTracker tracks the highest requested rate, and which viewer holds it.
//
// A higher rate is adopted immediately. A rescan of the registry only happens when the
// holder lowers its rate, or when any viewer is removed.
type MaxRateTracker struct {
	rate   float64
	holder SubscriberID
}

// Rate current max rate. Zero means no viewer requested a rate.
func (t *MaxRateTracker) Rate() float64 {
	return t.rate
}

// Holder viewer holding the max rate
func (t *MaxRateTracker) Holder() SubscriberID {
	return t.holder
}

// Reset return to the "no viewer" state
func (t *MaxRateTracker) Reset() {
	t.rate = 0
	t.holder = ""
}

// OnSet update after registry.Set(id, rate). Returns whether the max rate value changed.
func (t *MaxRateTracker) OnSet(registry *RateRegistry, id SubscriberID, rate float64) bool {
	previous := t.rate
	if rate > t.rate {
		t.rate = rate
		t.holder = id
	} else if id == t.holder && rate < t.rate {
		t.rescan(registry)
	}
	return t.rate != previous
}

// OnRemove update after registry.Remove(). Returns whether the max rate value changed,
// and whether the registry is now empty.
func (t *MaxRateTracker) OnRemove(registry *RateRegistry) (bool, bool) {
	previous := t.rate
	if registry.IsEmpty() {
		t.Reset()
		return previous != 0, true
	}
	// A removed viewer could have been tied with the holder, so always rescan
	t.rescan(registry)
	return t.rate != previous, false
}

// rescan find the max rate by walking the whole registry
func (t *MaxRateTracker) rescan(registry *RateRegistry) {
	t.Reset()
	registry.Each(func(id SubscriberID, rate float64) bool {
		if rate > t.rate {
			t.rate = rate
			t.holder = id
		}
		return true
	})
}

// Verify check the tracked max against the registry content
func (t *MaxRateTracker) Verify(registry *RateRegistry) error {
	_, maxRate, ok := registry.Max()
	if !ok {
		if t.rate != 0 || t.holder != "" {
			return fmt.Errorf(
				"tracked max %f held by '%s' with empty registry", t.rate, t.holder,
			)
		}
		return nil
	}
	if t.rate != maxRate {
		return fmt.Errorf("tracked max %f != registry max %f", t.rate, maxRate)
	}
	if holderRate, ok := registry.Get(t.holder); !ok || holderRate != t.rate {
		return fmt.Errorf("holder '%s' does not hold the max rate %f", t.holder, t.rate)
	}
	return nil
}

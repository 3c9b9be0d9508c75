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

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxRateTrackerFastPathAndRescan(t *testing.T) {
	assert := assert.New(t)

	registry := NewRateRegistry()
	uut := MaxRateTracker{}

	set := func(id SubscriberID, rate float64) bool {
		assert.True(registry.Set(id, rate))
		changed := uut.OnSet(registry, id, rate)
		assert.Nil(uut.Verify(registry))
		return changed
	}

	// Case 0: higher rates win immediately
	{
		assert.True(set("a", 5))
		assert.False(set("b", 3))
		assert.True(set("c", 8))
		assert.Equal(8.0, uut.Rate())
		assert.Equal(SubscriberID("c"), uut.Holder())
	}

	// Case 1: non-holder lowering its rate changes nothing
	{
		assert.False(set("a", 1))
		assert.Equal(8.0, uut.Rate())
		assert.Equal(SubscriberID("c"), uut.Holder())
	}

	// Case 2: holder raising its rate
	{
		assert.True(set("c", 9))
		assert.Equal(9.0, uut.Rate())
		assert.Equal(SubscriberID("c"), uut.Holder())
	}

	// Case 3: holder lowering its rate below another viewer
	{
		assert.True(set("c", 2))
		assert.Equal(3.0, uut.Rate())
		assert.Equal(SubscriberID("b"), uut.Holder())
	}

	// Case 4: holder lowering its rate, still the highest
	{
		assert.True(set("b", 2.5))
		assert.Equal(2.5, uut.Rate())
		assert.Equal(SubscriberID("b"), uut.Holder())
	}

	// Case 5: same rate again
	{
		assert.False(set("b", 2.5))
	}
}

func TestMaxRateTrackerRemove(t *testing.T) {
	assert := assert.New(t)

	registry := NewRateRegistry()
	uut := MaxRateTracker{}

	for _, entry := range []struct {
		id   SubscriberID
		rate float64
	}{{"a", 5}, {"b", 5}, {"c", 2}} {
		assert.True(registry.Set(entry.id, entry.rate))
		uut.OnSet(registry, entry.id, entry.rate)
	}
	assert.Equal(5.0, uut.Rate())
	assert.Equal(SubscriberID("a"), uut.Holder())

	// Case 0: remove a viewer tied with the holder
	{
		assert.True(registry.Remove("a"))
		changed, empty := uut.OnRemove(registry)
		assert.False(changed)
		assert.False(empty)
		assert.Equal(5.0, uut.Rate())
		assert.Equal(SubscriberID("b"), uut.Holder())
		assert.Nil(uut.Verify(registry))
	}

	// Case 1: remove the holder
	{
		assert.True(registry.Remove("b"))
		changed, empty := uut.OnRemove(registry)
		assert.True(changed)
		assert.False(empty)
		assert.Equal(2.0, uut.Rate())
		assert.Equal(SubscriberID("c"), uut.Holder())
	}

	// Case 2: remove the last viewer
	{
		assert.True(registry.Remove("c"))
		changed, empty := uut.OnRemove(registry)
		assert.True(changed)
		assert.True(empty)
		assert.Equal(0.0, uut.Rate())
		assert.Equal(SubscriberID(""), uut.Holder())
		assert.Nil(uut.Verify(registry))
	}
}

func TestMaxRateTrackerVerify(t *testing.T) {
	assert := assert.New(t)

	registry := NewRateRegistry()
	uut := MaxRateTracker{}
	assert.Nil(uut.Verify(registry))

	// Tracker out of sync with registry
	assert.True(registry.Set("a", 10))
	assert.NotNil(uut.Verify(registry))
	uut.OnSet(registry, "a", 10)
	assert.Nil(uut.Verify(registry))

	// Registry changed behind the tracker's back
	registry.Clear()
	assert.NotNil(uut.Verify(registry))
}

func TestMaxRateTrackerRandomSequence(t *testing.T) {
	assert := assert.New(t)

	rng := rand.New(rand.NewSource(42))
	registry := NewRateRegistry()
	uut := MaxRateTracker{}
	ids := []SubscriberID{}
	for itr := 0; itr < 6; itr++ {
		ids = append(ids, SubscriberID(fmt.Sprintf("viewer-%d", itr)))
	}
	// Plain map model, kept apart from the btree index
	model := map[SubscriberID]float64{}

	for step := 0; step < 2000; step++ {
		id := ids[rng.Intn(len(ids))]
		if rng.Intn(3) == 0 {
			_, known := model[id]
			delete(model, id)
			removed := registry.Remove(id)
			assert.Equal(known, removed, "step %d", step)
			if removed {
				uut.OnRemove(registry)
			}
		} else {
			// Small rate range to produce plenty of ties
			rate := float64(rng.Intn(5) + 1)
			model[id] = rate
			assert.True(registry.Set(id, rate))
			uut.OnSet(registry, id, rate)
		}

		expected := 0.0
		for _, rate := range model {
			if rate > expected {
				expected = rate
			}
		}
		assert.Equal(len(model), registry.Len(), "step %d", step)
		indexed := 0
		registry.Each(func(entryID SubscriberID, rate float64) bool {
			indexed++
			assert.Equal(model[entryID], rate, "step %d", step)
			return true
		})
		assert.Equal(len(model), indexed, "step %d", step)
		assert.Equal(expected, uut.Rate(), "step %d", step)
		_, indexMax, ok := registry.Max()
		assert.Equal(len(model) > 0, ok, "step %d", step)
		assert.Equal(expected, indexMax, "step %d", step)
		if len(model) == 0 {
			assert.Equal(SubscriberID(""), uut.Holder())
		} else {
			assert.Equal(expected, model[uut.Holder()], "step %d", step)
		}
		for _, checkID := range ids {
			modelRate, inModel := model[checkID]
			rate, inRegistry := registry.Get(checkID)
			assert.Equal(inModel, inRegistry, "step %d", step)
			assert.Equal(modelRate, rate, "step %d", step)
		}
		assert.Nil(uut.Verify(registry), "step %d", step)
	}
}

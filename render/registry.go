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

import "github.com/google/btree"

// rateEntry one entry of the ordered rate index
type rateEntry struct {
	rate float64
	id   SubscriberID
}

// rateEntryLess orders by rate, then by reverse identity, so a descending walk visits
// the highest rate first and breaks ties by the lowest identity.
func rateEntryLess(a, b rateEntry) bool {
	if a.rate != b.rate {
		return a.rate < b.rate
	}
	return a.id > b.id
}

// RateRegistry the requested rate of every viewer which issued a rate request
type RateRegistry struct {
	rates map[SubscriberID]float64
	index *btree.BTreeG[rateEntry]
}

// NewRateRegistry define a new empty RateRegistry
func NewRateRegistry() *RateRegistry {
	return &RateRegistry{
		rates: make(map[SubscriberID]float64),
		index: btree.NewG[rateEntry](8, rateEntryLess),
	}
}

// Set insert or overwrite the requested rate of a viewer.
//
// Returns false, with no mutation, when the ID is missing or the rate is not positive.
func (r *RateRegistry) Set(id SubscriberID, rate float64) bool {
	if id == "" || !validRate(rate) {
		return false
	}
	if old, ok := r.rates[id]; ok {
		if old == rate {
			return true
		}
		r.index.Delete(rateEntry{rate: old, id: id})
	}
	r.rates[id] = rate
	r.index.ReplaceOrInsert(rateEntry{rate: rate, id: id})
	return true
}

// Remove delete the entry of a viewer. Returns whether an entry was present.
func (r *RateRegistry) Remove(id SubscriberID) bool {
	old, ok := r.rates[id]
	if !ok {
		return false
	}
	delete(r.rates, id)
	r.index.Delete(rateEntry{rate: old, id: id})
	return true
}

// Get fetch the requested rate of a viewer
func (r *RateRegistry) Get(id SubscriberID) (float64, bool) {
	rate, ok := r.rates[id]
	return rate, ok
}

// Len number of entries
func (r *RateRegistry) Len() int {
	return len(r.rates)
}

// IsEmpty whether no entries remain
func (r *RateRegistry) IsEmpty() bool {
	return len(r.rates) == 0
}

// Clear drop all entries
func (r *RateRegistry) Clear() {
	r.rates = make(map[SubscriberID]float64)
	r.index.Clear(false)
}

// Each iterate over every entry, highest rate first. Iteration stops when fn returns false.
func (r *RateRegistry) Each(fn func(id SubscriberID, rate float64) bool) {
	r.index.Descend(func(entry rateEntry) bool {
		return fn(entry.id, entry.rate)
	})
}

// Max fetch the highest rate entry
func (r *RateRegistry) Max() (SubscriberID, float64, bool) {
	entry, ok := r.index.Max()
	if !ok {
		return "", 0, false
	}
	return entry.id, entry.rate, true
}

// Copyright 2017 Vector Creations Ltd
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

// Package types provides the types that are used internally within the roomserver.
package types

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// ShortEventID is a numeric ID for an event. It is stable for the
// lifetime of the event ID it stands in for.
type ShortEventID int64

// ShortStateKey is a numeric ID for an (event type, state key) pair.
type ShortStateKey int64

// ShortStateHash is a numeric ID for one resolved room-state snapshot.
// A given short state hash always denotes the same full state.
type ShortStateHash int64

// CompressedStateEntrySize is the fixed width of one compressed state
// entry: a big-endian short state key followed by a big-endian short
// event ID.
const CompressedStateEntrySize = 16

// CompressedStateEntry packs a (ShortStateKey, ShortEventID) pair into
// a fixed-width blob. The state key occupies the leading bytes so that
// entries sort by state key and a lookup by state key is a prefix scan.
type CompressedStateEntry [CompressedStateEntrySize]byte

// CompressStateEvent packs a state key and event ID pair.
func CompressStateEvent(stateKey ShortStateKey, eventID ShortEventID) CompressedStateEntry {
	var entry CompressedStateEntry
	binary.BigEndian.PutUint64(entry[:8], uint64(stateKey))
	binary.BigEndian.PutUint64(entry[8:], uint64(eventID))
	return entry
}

// ParseCompressedStateEvent recovers the packed pair.
func ParseCompressedStateEvent(entry CompressedStateEntry) (ShortStateKey, ShortEventID) {
	stateKey := ShortStateKey(binary.BigEndian.Uint64(entry[:8]))
	eventID := ShortEventID(binary.BigEndian.Uint64(entry[8:]))
	return stateKey, eventID
}

// MatchesStateKey reports whether the entry's leading bytes are the
// given short state key.
func (e CompressedStateEntry) MatchesStateKey(stateKey ShortStateKey) bool {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(stateKey))
	return bytes.HasPrefix(e[:], prefix[:])
}

// A StateLayer is one layer of a room's compressed state as returned by
// the state compressor. The compressor historically produced stacks of
// diff layers but now always flattens, so the last layer of any stack
// carries the complete state for the snapshot.
type StateLayer struct {
	ShortStateHash ShortStateHash
	FullState      []CompressedStateEntry
	Added          []CompressedStateEntry
	Removed        []CompressedStateEntry
}

// StateEntries is used to sort and dedupe compressed state entries.
// Entries order by their leading state-key bytes, mirroring the on-disk
// ordering of a state snapshot.
type StateEntries []CompressedStateEntry

func (a StateEntries) Len() int           { return len(a) }
func (a StateEntries) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a StateEntries) Less(i, j int) bool { return bytes.Compare(a[i][:], a[j][:]) < 0 }

// DeduplicateStateEntries sorts the entries and removes duplicates,
// keeping the first entry seen for each state key. The input slice is
// modified in place.
func DeduplicateStateEntries(entries []CompressedStateEntry) []CompressedStateEntry {
	if len(entries) < 2 {
		return entries
	}
	sort.Stable(StateEntries(entries))
	out := entries[:1]
	for _, entry := range entries[1:] {
		if !bytes.Equal(out[len(out)-1][:8], entry[:8]) {
			out = append(out, entry)
		}
	}
	return out
}

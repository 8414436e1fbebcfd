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

package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressedStateEntryRoundTrip(t *testing.T) {
	pairs := []struct {
		stateKey ShortStateKey
		eventID  ShortEventID
	}{
		{0, 0},
		{1, 1},
		{42, 69},
		{1 << 31, 1 << 47},
		{math.MaxInt64, math.MaxInt64},
		{math.MaxInt64, 0},
		{0, math.MaxInt64},
	}
	for _, pair := range pairs {
		entry := CompressStateEvent(pair.stateKey, pair.eventID)
		gotKey, gotID := ParseCompressedStateEvent(entry)
		assert.Equal(t, pair.stateKey, gotKey)
		assert.Equal(t, pair.eventID, gotID)
	}
}

func TestCompressedStateEntryPrefixMatch(t *testing.T) {
	entry := CompressStateEvent(1234, 5678)
	assert.True(t, entry.MatchesStateKey(1234))
	assert.False(t, entry.MatchesStateKey(1235))
	// The event ID half must never influence the match.
	other := CompressStateEvent(1234, 999999)
	assert.True(t, other.MatchesStateKey(1234))
}

func TestDeduplicateStateEntries(t *testing.T) {
	entries := []CompressedStateEntry{
		CompressStateEvent(3, 30),
		CompressStateEvent(1, 10),
		CompressStateEvent(2, 20),
		CompressStateEvent(1, 11), // duplicate state key, later event
		CompressStateEvent(2, 20), // exact duplicate
	}
	deduped := DeduplicateStateEntries(entries)
	assert.Len(t, deduped, 3)
	for i := 0; i+1 < len(deduped); i++ {
		keyA, _ := ParseCompressedStateEvent(deduped[i])
		keyB, _ := ParseCompressedStateEvent(deduped[i+1])
		assert.Less(t, keyA, keyB)
	}
	// Exactly one entry per state key survives.
	key, _ := ParseCompressedStateEvent(deduped[0])
	assert.Equal(t, ShortStateKey(1), key)
}

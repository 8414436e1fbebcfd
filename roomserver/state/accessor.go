// Copyright 2020 The Matrix.org Foundation C.I.C.
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

package state

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/pkg/errors"

	"github.com/dr-bonez/conduwuit/internal"
	"github.com/dr-bonez/conduwuit/internal/caching"
	"github.com/dr-bonez/conduwuit/internal/jsonerror"
	"github.com/dr-bonez/conduwuit/roomserver/types"
)

// Database is the storage the accessor reads room state from. State
// snapshots are identified by short state hashes and stored as layer
// chains of compressed (short state key, short event ID) entries.
type Database interface {
	// ShortStateHashForEvent returns the state snapshot the room was in
	// at the time of the given event.
	ShortStateHashForEvent(ctx context.Context, eventID string) (types.ShortStateHash, error)
	// ShortStateHashForRoom returns the room's current state snapshot.
	ShortStateHashForRoom(ctx context.Context, roomID string) (types.ShortStateHash, error)
	// StateLayers returns the layer chain for a snapshot, base layer first.
	StateLayers(ctx context.Context, stateHash types.ShortStateHash) ([]types.StateLayer, error)
	// ShortStateKey returns the short ID for an (event type, state key)
	// pair that has been seen before.
	ShortStateKey(ctx context.Context, eventType, stateKey string) (types.ShortStateKey, error)
	// EventIDForShort resolves a short event ID back to the full event ID.
	EventIDForShort(ctx context.Context, shortEventID types.ShortEventID) (string, error)
	// EventForID returns the full event for an event ID we hold.
	EventForID(ctx context.Context, eventID string) (*gomatrixserverlib.HeaderedEvent, error)
}

// MembershipAPI answers questions about the current membership of a room.
type MembershipAPI interface {
	// RoomMembers returns the user IDs currently joined to the room.
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	IsJoined(ctx context.Context, userID, roomID string) (bool, error)
	IsInvited(ctx context.Context, userID, roomID string) (bool, error)
}

// EventCreator builds, auth-checks and signs a new event against the
// current room state without persisting it. The caller must hold the
// room mutex so the state can't advance underneath the check.
type EventCreator interface {
	CreateHashAndSignEvent(ctx context.Context, builder *gomatrixserverlib.EventBuilder, roomID string, guard *internal.RoomMutexGuard) (*gomatrixserverlib.Event, error)
}

// Accessor resolves questions about room state: single state lookups,
// full snapshots, visibility of events to servers and users, and a few
// authorisation decisions that depend on state.
type Accessor struct {
	db      Database
	members MembershipAPI
	creator EventCreator
	caches  *caching.Caches
}

func NewAccessor(db Database, members MembershipAPI, creator EventCreator, caches *caching.Caches) *Accessor {
	return &Accessor{
		db:      db,
		members: members,
		creator: creator,
		caches:  caches,
	}
}

// ClearCaches drops the cached visibility decisions, e.g. after an
// administrative cache clear.
func (a *Accessor) ClearCaches() {
	a.caches.ServerVisibility.Purge()
	a.caches.UserVisibility.Purge()
}

// stateFullEntries returns the resolved (short state key, short event
// ID) pairs for a snapshot. Later layers in the chain supersede earlier
// ones for the same state key.
func (a *Accessor) stateFullEntries(ctx context.Context, stateHash types.ShortStateHash) ([]types.CompressedStateEntry, error) {
	layers, err := a.db.StateLayers(ctx, stateHash)
	if err != nil {
		return nil, errors.Wrapf(err, "missing state IDs for snapshot %d", stateHash)
	}
	if len(layers) == 0 {
		return nil, jsonerror.BadDatabase("state snapshot has no layers")
	}
	// The last layer carries the fully resolved state for the snapshot.
	full := layers[len(layers)-1].FullState
	entries := make([]types.CompressedStateEntry, len(full))
	copy(entries, full)
	return types.DeduplicateStateEntries(entries), nil
}

// StateFullShortIDs returns the full state of a snapshot as parsed
// (short state key, short event ID) pairs.
func (a *Accessor) StateFullShortIDs(ctx context.Context, stateHash types.ShortStateHash) (map[types.ShortStateKey]types.ShortEventID, error) {
	entries, err := a.stateFullEntries(ctx, stateHash)
	if err != nil {
		return nil, err
	}
	shortIDs := make(map[types.ShortStateKey]types.ShortEventID, len(entries))
	for _, entry := range entries {
		key, eventID := types.ParseCompressedStateEvent(entry)
		shortIDs[key] = eventID
	}
	return shortIDs, nil
}

// StateFullEvents returns every state event of a snapshot, keyed by
// (event type, state key). Events we can no longer resolve are skipped.
func (a *Accessor) StateFullEvents(ctx context.Context, stateHash types.ShortStateHash) (map[gomatrixserverlib.StateKeyTuple]*gomatrixserverlib.HeaderedEvent, error) {
	shortIDs, err := a.StateFullShortIDs(ctx, stateHash)
	if err != nil {
		return nil, err
	}
	state := make(map[gomatrixserverlib.StateKeyTuple]*gomatrixserverlib.HeaderedEvent, len(shortIDs))
	for _, shortEventID := range shortIDs {
		eventID, err := a.db.EventIDForShort(ctx, shortEventID)
		if err != nil {
			continue
		}
		event, err := a.db.EventForID(ctx, eventID)
		if err != nil || event == nil {
			continue
		}
		stateKey := event.StateKey()
		if stateKey == nil {
			continue
		}
		state[gomatrixserverlib.StateKeyTuple{
			EventType: event.Type(),
			StateKey:  *stateKey,
		}] = event
	}
	return state, nil
}

// StateFullPDUs returns every state event of a snapshot as a flat list.
// Events we can no longer resolve are skipped.
func (a *Accessor) StateFullPDUs(ctx context.Context, stateHash types.ShortStateHash) ([]*gomatrixserverlib.HeaderedEvent, error) {
	shortIDs, err := a.StateFullShortIDs(ctx, stateHash)
	if err != nil {
		return nil, err
	}
	events := make([]*gomatrixserverlib.HeaderedEvent, 0, len(shortIDs))
	for _, shortEventID := range shortIDs {
		eventID, err := a.db.EventIDForShort(ctx, shortEventID)
		if err != nil {
			continue
		}
		event, err := a.db.EventForID(ctx, eventID)
		if err != nil || event == nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// StateEventIDForKey returns the event ID of the state event with the
// given (event type, state key) in a snapshot, found by scanning the
// compressed entries for the short state key prefix.
func (a *Accessor) StateEventIDForKey(ctx context.Context, stateHash types.ShortStateHash, eventType, stateKey string) (string, error) {
	shortStateKey, err := a.db.ShortStateKey(ctx, eventType, stateKey)
	if err != nil {
		return "", err
	}
	entries, err := a.stateFullEntries(ctx, stateHash)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.MatchesStateKey(shortStateKey) {
			continue
		}
		_, shortEventID := types.ParseCompressedStateEvent(entry)
		return a.db.EventIDForShort(ctx, shortEventID)
	}
	return "", errors.Errorf("no state entry for (%q, %q) in snapshot %d", eventType, stateKey, stateHash)
}

// StateEventForKey returns the state event with the given (event type,
// state key) in a snapshot.
func (a *Accessor) StateEventForKey(ctx context.Context, stateHash types.ShortStateHash, eventType, stateKey string) (*gomatrixserverlib.HeaderedEvent, error) {
	eventID, err := a.StateEventIDForKey(ctx, stateHash, eventType, stateKey)
	if err != nil {
		return nil, err
	}
	return a.db.EventForID(ctx, eventID)
}

// RoomStateEvent returns the state event with the given (event type,
// state key) in the room's current state.
func (a *Accessor) RoomStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*gomatrixserverlib.HeaderedEvent, error) {
	stateHash, err := a.db.ShortStateHashForRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "missing state for room %q", roomID)
	}
	return a.StateEventForKey(ctx, stateHash, eventType, stateKey)
}

// RoomStateFullEvents returns the room's full current state.
func (a *Accessor) RoomStateFullEvents(ctx context.Context, roomID string) (map[gomatrixserverlib.StateKeyTuple]*gomatrixserverlib.HeaderedEvent, error) {
	stateHash, err := a.db.ShortStateHashForRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "missing state for room %q", roomID)
	}
	return a.StateFullEvents(ctx, stateHash)
}

// EventStateHash returns the state snapshot the room was in at the
// given event.
func (a *Accessor) EventStateHash(ctx context.Context, eventID string) (types.ShortStateHash, error) {
	return a.db.ShortStateHashForEvent(ctx, eventID)
}

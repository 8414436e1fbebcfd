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
	"github.com/sirupsen/logrus"

	"github.com/dr-bonez/conduwuit/internal/caching"
	"github.com/dr-bonez/conduwuit/roomserver/types"
)

// ServerCanSeeEvent reports whether a remote server may see an event
// over federation, based on the room's history visibility at that
// event's state. Events with no recorded state snapshot, e.g. outliers,
// are visible.
func (a *Accessor) ServerCanSeeEvent(ctx context.Context, origin gomatrixserverlib.ServerName, roomID, eventID string) bool {
	stateHash, err := a.db.ShortStateHashForEvent(ctx, eventID)
	if err != nil {
		return true
	}

	cacheKey := caching.ServerStateKey{
		ServerName:     origin,
		ShortStateHash: stateHash,
	}
	if visibility, ok := a.caches.ServerVisibility.Get(cacheKey); ok {
		return visibility
	}

	historyVisibility := a.StateHistoryVisibility(ctx, stateHash)

	var visibility bool
	switch historyVisibility {
	case gomatrixserverlib.HistoryVisibilityWorldReadable, gomatrixserverlib.HistoryVisibilityShared:
		visibility = true
	case gomatrixserverlib.HistoryVisibilityInvited:
		// Allow if any member on the requesting server was at least invited
		visibility = a.anyServerMember(ctx, origin, roomID, stateHash, a.userWasInvited)
	case gomatrixserverlib.HistoryVisibilityJoined:
		// Allow if any member on the requesting server was joined
		visibility = a.anyServerMember(ctx, origin, roomID, stateHash, a.userWasJoined)
	default:
		logrus.WithField("history_visibility", historyVisibility).Error("Unknown history visibility")
		visibility = false
	}

	a.caches.ServerVisibility.Set(cacheKey, visibility)
	return visibility
}

// anyServerMember reports whether any current room member from the given
// server satisfies the membership check at the given state snapshot.
func (a *Accessor) anyServerMember(
	ctx context.Context, origin gomatrixserverlib.ServerName, roomID string,
	stateHash types.ShortStateHash,
	check func(context.Context, types.ShortStateHash, string) bool,
) bool {
	members, err := a.members.RoomMembers(ctx, roomID)
	if err != nil {
		return false
	}
	for _, member := range members {
		_, domain, err := gomatrixserverlib.SplitID('@', member)
		if err != nil || domain != origin {
			continue
		}
		if check(ctx, stateHash, member) {
			return true
		}
	}
	return false
}

// UserCanSeeEvent reports whether a user may see an event, based on the
// room's history visibility at that event's state. Events with no
// recorded state snapshot are visible.
func (a *Accessor) UserCanSeeEvent(ctx context.Context, userID, roomID, eventID string) bool {
	stateHash, err := a.db.ShortStateHashForEvent(ctx, eventID)
	if err != nil {
		return true
	}

	cacheKey := caching.UserStateKey{
		UserID:         userID,
		ShortStateHash: stateHash,
	}
	if visibility, ok := a.caches.UserVisibility.Get(cacheKey); ok {
		return visibility
	}

	currentlyJoined, err := a.members.IsJoined(ctx, userID, roomID)
	if err != nil {
		currentlyJoined = false
	}

	historyVisibility := a.StateHistoryVisibility(ctx, stateHash)

	var visibility bool
	switch historyVisibility {
	case gomatrixserverlib.HistoryVisibilityWorldReadable:
		visibility = true
	case gomatrixserverlib.HistoryVisibilityShared:
		visibility = currentlyJoined
	case gomatrixserverlib.HistoryVisibilityInvited:
		visibility = a.userWasInvited(ctx, stateHash, userID)
	case gomatrixserverlib.HistoryVisibilityJoined:
		visibility = a.userWasJoined(ctx, stateHash, userID)
	default:
		logrus.WithField("history_visibility", historyVisibility).Error("Unknown history visibility")
		visibility = false
	}

	a.caches.UserVisibility.Set(cacheKey, visibility)
	return visibility
}

// UserCanSeeStateEvents reports whether a user may see the room's
// current state events. Joined members always can; others depend on
// the room's history visibility.
func (a *Accessor) UserCanSeeStateEvents(ctx context.Context, userID, roomID string) bool {
	joined, err := a.members.IsJoined(ctx, userID, roomID)
	if err == nil && joined {
		return true
	}

	switch a.RoomHistoryVisibility(ctx, roomID) {
	case gomatrixserverlib.HistoryVisibilityWorldReadable:
		return true
	case gomatrixserverlib.HistoryVisibilityInvited:
		invited, err := a.members.IsInvited(ctx, userID, roomID)
		return err == nil && invited
	default:
		return false
	}
}

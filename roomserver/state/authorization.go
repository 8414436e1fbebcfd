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

	"github.com/dr-bonez/conduwuit/internal"
	"github.com/dr-bonez/conduwuit/internal/jsonerror"
)

// UserCanRedact checks whether the sender may redact the given event.
//
// If federation is true, redactions are allowed from any user of the
// same server as the original event sender.
func (a *Accessor) UserCanRedact(ctx context.Context, redactsEventID, sender, roomID string, federation bool) (bool, error) {
	redactingEvent, redactingEventErr := a.db.EventForID(ctx, redactsEventID)
	haveRedactingEvent := redactingEventErr == nil && redactingEvent != nil

	if haveRedactingEvent && redactingEvent.Type() == gomatrixserverlib.MRoomCreate {
		return false, jsonerror.Forbidden("Redacting m.room.create is not safe, forbidding.")
	}
	if haveRedactingEvent && redactingEvent.Type() == MRoomServerACL {
		return false, jsonerror.Forbidden(
			"Redacting m.room.server_acl will result in the room being inaccessible for " +
				"everyone (empty allow key), forbidding.",
		)
	}

	plEvent, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomPowerLevels, "")
	if err == nil && plEvent != nil {
		pl, err := gomatrixserverlib.NewPowerLevelContentFromEvent(plEvent.Event)
		if err != nil {
			return false, err
		}
		senderLevel := pl.UserLevel(sender)
		if senderLevel >= pl.Redact {
			return true, nil
		}
		// Users may redact their own events if they can send redactions
		// at all.
		if !haveRedactingEvent || senderLevel < pl.EventLevel("m.room.redaction", false) {
			return false, nil
		}
		if federation {
			_, senderDomain, err := gomatrixserverlib.SplitID('@', sender)
			if err != nil {
				return false, err
			}
			_, originalDomain, err := gomatrixserverlib.SplitID('@', redactingEvent.Sender())
			if err != nil {
				return false, err
			}
			return senderDomain == originalDomain, nil
		}
		return redactingEvent.Sender() == sender, nil
	}

	// Falling back on m.room.create to judge power level
	createEvent, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomCreate, "")
	if err == nil && createEvent != nil {
		if createEvent.Sender() == sender {
			return true, nil
		}
		return haveRedactingEvent && redactingEvent.Sender() == sender, nil
	}

	return false, jsonerror.BadDatabase("No m.room.power_levels or m.room.create events in database for room")
}

// UserCanInvite checks whether the sender could invite the target user
// into the room, by building the invite membership event and running it
// through the same auth checks a real invite would get. Nothing is
// persisted. The caller must hold the room mutex guard.
func (a *Accessor) UserCanInvite(ctx context.Context, roomID, sender, targetUser string, guard *internal.RoomMutexGuard) bool {
	builder := gomatrixserverlib.EventBuilder{
		Sender:   sender,
		RoomID:   roomID,
		Type:     gomatrixserverlib.MRoomMember,
		StateKey: &targetUser,
	}
	err := builder.SetContent(gomatrixserverlib.MemberContent{
		Membership: gomatrixserverlib.Invite,
	})
	if err != nil {
		return false
	}
	_, err = a.creator.CreateHashAndSignEvent(ctx, &builder, roomID, guard)
	return err == nil
}

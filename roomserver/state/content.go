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
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/dr-bonez/conduwuit/roomserver/types"
)

const (
	// MRoomGuestAccess is not in gomatrixserverlib.
	MRoomGuestAccess    = "m.room.guest_access"
	MRoomAvatar         = "m.room.avatar"
	MRoomCanonicalAlias = "m.room.canonical_alias"
	MRoomEncryption     = "m.room.encryption"
	MRoomTopic          = "m.room.topic"
	MRoomServerACL      = "m.room.server_acl"

	GuestAccessCanJoin   = "can_join"
	GuestAccessForbidden = "forbidden"
)

// historyVisibilityContent is the content of an m.room.history_visibility event.
type historyVisibilityContent struct {
	HistoryVisibility gomatrixserverlib.HistoryVisibility `json:"history_visibility"`
}

// joinRuleContent is the content of an m.room.join_rules event.
type joinRuleContent struct {
	JoinRule string `json:"join_rule"`
	Allow    []struct {
		Type   string `json:"type"`
		RoomID string `json:"room_id"`
	} `json:"allow"`
}

// StateHistoryVisibility returns the history visibility at a state
// snapshot. Rooms without the event default to shared.
func (a *Accessor) StateHistoryVisibility(ctx context.Context, stateHash types.ShortStateHash) gomatrixserverlib.HistoryVisibility {
	event, err := a.StateEventForKey(ctx, stateHash, gomatrixserverlib.MRoomHistoryVisibility, "")
	if err != nil {
		return gomatrixserverlib.HistoryVisibilityShared
	}
	return historyVisibilityFromEvent(event)
}

// RoomHistoryVisibility returns the history visibility in the room's
// current state. Rooms without the event default to shared.
func (a *Accessor) RoomHistoryVisibility(ctx context.Context, roomID string) gomatrixserverlib.HistoryVisibility {
	event, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomHistoryVisibility, "")
	if err != nil {
		return gomatrixserverlib.HistoryVisibilityShared
	}
	return historyVisibilityFromEvent(event)
}

func historyVisibilityFromEvent(event *gomatrixserverlib.HeaderedEvent) gomatrixserverlib.HistoryVisibility {
	var content historyVisibilityContent
	if err := json.Unmarshal(event.Content(), &content); err != nil || content.HistoryVisibility == "" {
		return gomatrixserverlib.HistoryVisibilityShared
	}
	return content.HistoryVisibility
}

// IsWorldReadable reports whether room content is visible without joining.
func (a *Accessor) IsWorldReadable(ctx context.Context, roomID string) bool {
	return a.RoomHistoryVisibility(ctx, roomID) == gomatrixserverlib.HistoryVisibilityWorldReadable
}

// GuestCanJoin reports whether guests are able to join the room. Rooms
// without an m.room.guest_access event forbid guests.
func (a *Accessor) GuestCanJoin(ctx context.Context, roomID string) bool {
	event, err := a.RoomStateEvent(ctx, roomID, MRoomGuestAccess, "")
	if err != nil {
		return false
	}
	return gjson.GetBytes(event.Content(), "guest_access").Str == GuestAccessCanJoin
}

// JoinRule returns the room's join rule and, for restricted rooms, the
// rooms whose members are allowed in. Rooms without an
// m.room.join_rules event default to invite.
func (a *Accessor) JoinRule(ctx context.Context, roomID string) (string, []string) {
	event, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomJoinRules, "")
	if err != nil {
		return gomatrixserverlib.Invite, nil
	}
	var content joinRuleContent
	if err := json.Unmarshal(event.Content(), &content); err != nil || content.JoinRule == "" {
		return gomatrixserverlib.Invite, nil
	}
	var allowedRoomIDs []string
	if content.JoinRule == gomatrixserverlib.Restricted || content.JoinRule == "knock_restricted" {
		for _, allow := range content.Allow {
			if allow.Type == "m.room_membership" && allow.RoomID != "" {
				allowedRoomIDs = append(allowedRoomIDs, allow.RoomID)
			}
		}
	}
	return content.JoinRule, allowedRoomIDs
}

// RoomName returns the room's name, or an error if the room has none.
func (a *Accessor) RoomName(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomName, "")
	if err != nil {
		return "", err
	}
	if name := gjson.GetBytes(event.Content(), "name"); name.Exists() {
		return name.Str, nil
	}
	return "", errors.New("no name found in event content")
}

// RoomAvatar returns the room's avatar URL, or an error if the room has
// none.
func (a *Accessor) RoomAvatar(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, MRoomAvatar, "")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(event.Content(), "url").Str, nil
}

// RoomTopic returns the room's topic, or an error if the room has none.
func (a *Accessor) RoomTopic(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, MRoomTopic, "")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(event.Content(), "topic").Str, nil
}

// CanonicalAlias returns the room's canonical alias, or an error if the
// room has none.
func (a *Accessor) CanonicalAlias(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, MRoomCanonicalAlias, "")
	if err != nil {
		return "", err
	}
	alias := gjson.GetBytes(event.Content(), "alias")
	if !alias.Exists() || alias.Str == "" {
		return "", errors.New("no alias found in event content")
	}
	return alias.Str, nil
}

// RoomType returns the room's type from its m.room.create event, or an
// error if the create event carries none.
func (a *Accessor) RoomType(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomCreate, "")
	if err != nil {
		return "", err
	}
	roomType := gjson.GetBytes(event.Content(), "type")
	if !roomType.Exists() {
		return "", errors.New("no type found in event content")
	}
	return roomType.Str, nil
}

// RoomEncryptionAlgorithm returns the room's encryption algorithm if
// the room has an m.room.encryption state event.
func (a *Accessor) RoomEncryptionAlgorithm(ctx context.Context, roomID string) (string, error) {
	event, err := a.RoomStateEvent(ctx, roomID, MRoomEncryption, "")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(event.Content(), "algorithm").Str, nil
}

// IsEncrypted reports whether the room has an m.room.encryption state event.
func (a *Accessor) IsEncrypted(ctx context.Context, roomID string) bool {
	_, err := a.RoomStateEvent(ctx, roomID, MRoomEncryption, "")
	return err == nil
}

// MemberContent returns the m.room.member content for a user in the
// room's current state.
func (a *Accessor) MemberContent(ctx context.Context, roomID, userID string) (*gomatrixserverlib.MemberContent, error) {
	event, err := a.RoomStateEvent(ctx, roomID, gomatrixserverlib.MRoomMember, userID)
	if err != nil {
		return nil, err
	}
	var content gomatrixserverlib.MemberContent
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// stateUserMembership returns the membership of a user at a state
// snapshot. Users without a member event count as having left.
func (a *Accessor) stateUserMembership(ctx context.Context, stateHash types.ShortStateHash, userID string) string {
	event, err := a.StateEventForKey(ctx, stateHash, gomatrixserverlib.MRoomMember, userID)
	if err != nil {
		return gomatrixserverlib.Leave
	}
	membership := gjson.GetBytes(event.Content(), "membership").Str
	if membership == "" {
		return gomatrixserverlib.Leave
	}
	return membership
}

// userWasJoined reports whether the user was joined at this state,
// potentially in the past.
func (a *Accessor) userWasJoined(ctx context.Context, stateHash types.ShortStateHash, userID string) bool {
	return a.stateUserMembership(ctx, stateHash, userID) == gomatrixserverlib.Join
}

// userWasInvited reports whether the user was at least invited at this
// state, potentially in the past.
func (a *Accessor) userWasInvited(ctx context.Context, stateHash types.ShortStateHash, userID string) bool {
	membership := a.stateUserMembership(ctx, stateHash, userID)
	return membership == gomatrixserverlib.Join || membership == gomatrixserverlib.Invite
}

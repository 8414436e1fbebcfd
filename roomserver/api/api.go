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

package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
)

// InputRoomEventsAPI ingests events that arrived over federation into
// the room graph, running the auth checks for the room version. A
// rejected event fails with gomatrixserverlib.NotAllowed.
type InputRoomEventsAPI interface {
	HandleIncomingPDU(ctx context.Context, event *gomatrixserverlib.HeaderedEvent) error
}

// QueryServerACLsAPI answers whether a remote server is banned from a
// room by the room's current m.room.server_acl event.
type QueryServerACLsAPI interface {
	QueryServerBannedFromRoom(ctx context.Context, serverName gomatrixserverlib.ServerName, roomID string) (bool, error)
}

// QueryMembershipAPI answers the membership questions the EDU handlers
// use for authorization.
type QueryMembershipAPI interface {
	// QueryServerInRoom returns true if the server has at least one
	// member in the room.
	QueryServerInRoom(ctx context.Context, serverName gomatrixserverlib.ServerName, roomID string) (bool, error)
	// QueryUserJoinedToRoom returns true if the user is currently
	// joined to the room.
	QueryUserJoinedToRoom(ctx context.Context, userID, roomID string) (bool, error)
}

// FederationRoomserverAPI is the surface of the roomserver consumed by
// the federation transaction pipeline.
type FederationRoomserverAPI interface {
	InputRoomEventsAPI
	QueryServerACLsAPI
	QueryMembershipAPI

	// QueryRoomVersionForRoom returns the room version for a room we
	// know about, or an error if the room is unknown.
	QueryRoomVersionForRoom(ctx context.Context, roomID string) (gomatrixserverlib.RoomVersion, error)
}

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

package acls

import (
	"context"
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"
)

// ServerACLDatabase is the subset of room state we need to seed the
// in-memory ACLs at startup.
type ServerACLDatabase interface {
	// GetKnownRooms returns a list of all rooms we know about.
	GetKnownRooms(ctx context.Context) ([]string, error)
	// GetServerACLEvent returns the m.room.server_acl state event with an
	// empty state key for the given room, or nil if the room has none.
	GetServerACLEvent(ctx context.Context, roomID string) (*gomatrixserverlib.HeaderedEvent, error)
}

// ServerACL mirrors the content of an m.room.server_acl event.
type ServerACL struct {
	Allowed         []string `json:"allow"`
	Denied          []string `json:"deny"`
	AllowIPLiterals bool     `json:"allow_ip_literals"`
}

// roomACL is a ServerACL with the allow and deny globs compiled for
// matching. Once built it is never mutated, so reads need no lock.
type roomACL struct {
	allow           []*regexp.Regexp
	deny            []*regexp.Regexp
	allowIPLiterals bool
}

// bannedServer evaluates one hostname against this room's rules. The
// port, if any, must already be stripped by the caller.
func (a *roomACL) bannedServer(host string) bool {
	// An IP literal hostname short-circuits the lists unless the room
	// opted in. The /0 suffix is only there so ParseCIDR accepts a bare
	// address.
	if !a.allowIPLiterals {
		if _, _, err := net.ParseCIDR(host + "/0"); err == nil {
			return true
		}
	}
	for _, expr := range a.deny {
		if expr.MatchString(host) {
			return true
		}
	}
	for _, expr := range a.allow {
		if expr.MatchString(host) {
			return false
		}
	}
	// A room with an ACL event denies anything its allow list doesn't
	// name. https://matrix.org/docs/spec/client_server/r0.6.1#m-room-server-acl
	return true
}

// ServerACLs holds the compiled ACL for every room that has one.
type ServerACLs struct {
	mu    sync.RWMutex
	rooms map[string]*roomACL
}

// NewServerACLs loads the m.room.server_acl state of every known room
// into memory. Rooms whose ACL event cannot be read keep no ACL, which
// means they ban nobody until the next update arrives.
func NewServerACLs(db ServerACLDatabase) *ServerACLs {
	ctx := context.TODO()
	s := &ServerACLs{
		rooms: make(map[string]*roomACL),
	}
	roomIDs, err := db.GetKnownRooms(ctx)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to get known rooms")
	}
	for _, roomID := range roomIDs {
		state, err := db.GetServerACLEvent(ctx, roomID)
		if err != nil {
			logrus.WithError(err).Errorf("Failed to get server ACLs for room %q", roomID)
			continue
		}
		if state != nil {
			s.OnServerACLUpdate(state.Event)
		}
	}
	return s
}

// compileGlob turns an ACL pattern into a regexp. Only * (zero or more
// characters) and ? (exactly one character) are wildcards, so every
// other regex metacharacter is escaped first.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\?", ".")
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return regexp.Compile(escaped)
}

func compileGlobs(patterns []string) []*regexp.Regexp {
	exprs := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		expr, err := compileGlob(pattern)
		if err != nil {
			logrus.WithError(err).Errorf("Failed to compile ACL pattern %q", pattern)
			continue
		}
		exprs = append(exprs, expr)
	}
	return exprs
}

// OnServerACLUpdate replaces the compiled ACL for the event's room. It
// is called whenever a new m.room.server_acl event is accepted into a
// room's current state.
func (s *ServerACLs) OnServerACLUpdate(state *gomatrixserverlib.Event) {
	var content ServerACL
	if err := json.Unmarshal(state.Content(), &content); err != nil {
		logrus.WithError(err).Errorf("Failed to unmarshal state content for server ACLs")
		return
	}
	acl := &roomACL{
		allow:           compileGlobs(content.Allowed),
		deny:            compileGlobs(content.Denied),
		allowIPLiterals: content.AllowIPLiterals,
	}
	logrus.WithFields(logrus.Fields{
		"allow_ip_literals": acl.allowIPLiterals,
		"num_allowed":       len(acl.allow),
		"num_denied":        len(acl.deny),
	}).Debugf("Updating server ACLs for %q", state.RoomID())
	s.mu.Lock()
	s.rooms[state.RoomID()] = acl
	s.mu.Unlock()
}

// IsServerBannedFromRoom reports whether the room's ACL bans the given
// server. A room without an ACL event bans nobody.
func (s *ServerACLs) IsServerBannedFromRoom(serverName gomatrixserverlib.ServerName, roomID string) bool {
	s.mu.RLock()
	acl, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	// Rules match the hostname only, so take the port off first.
	host := string(serverName)
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	return acl.bannedServer(host)
}

// QueryServerBannedFromRoom adapts the in-memory ACLs to the roomserver
// query interface used by the federation transaction pipeline.
func (s *ServerACLs) QueryServerBannedFromRoom(_ context.Context, serverName gomatrixserverlib.ServerName, roomID string) (bool, error) {
	return s.IsServerBannedFromRoom(serverName, roomID), nil
}

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
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dr-bonez/conduwuit/roomserver/api"
)

// The in-memory ACLs answer the roomserver's ban query directly.
var _ api.QueryServerACLsAPI = &ServerACLs{}

func TestCompileGlob(t *testing.T) {
	for expr, subjects := range map[string]map[string]bool{
		"example.com": {
			"example.com":     true,
			"examplexcom":     false,
			"sub.example.com": false,
		},
		"*.example.com": {
			"sub.example.com":      true,
			"deep.sub.example.com": true,
			"example.com":          false,
		},
		"ex?mple.com": {
			"example.com": true,
			"exemple.com": true,
			"exmple.com":  false,
		},
	} {
		compiled, err := compileGlob(expr)
		require.NoError(t, err)
		for subject, match := range subjects {
			assert.Equal(t, match, compiled.MatchString(subject), "%q against %q", subject, expr)
		}
	}
}

func TestIsServerBannedFromRoom(t *testing.T) {
	acls := &ServerACLs{
		rooms: map[string]*roomACL{
			"!allowed:test": {
				allowIPLiterals: true,
				allow: []*regexp.Regexp{
					regexp.MustCompile("^good\\.example\\.com$"),
				},
				deny: []*regexp.Regexp{
					regexp.MustCompile("^bad\\.example\\.com$"),
				},
			},
			"!noliterals:test": {
				allow: []*regexp.Regexp{
					regexp.MustCompile(".*"),
				},
			},
		},
	}

	// A room with no ACL event bans nobody.
	assert.False(t, acls.IsServerBannedFromRoom("anything.example.com", "!unknown:test"))

	// Denied wins, allowed passes, unmatched servers are denied by default.
	assert.True(t, acls.IsServerBannedFromRoom("bad.example.com", "!allowed:test"))
	assert.False(t, acls.IsServerBannedFromRoom("good.example.com", "!allowed:test"))
	assert.True(t, acls.IsServerBannedFromRoom("other.example.com", "!allowed:test"))

	// The port is stripped before matching.
	assert.False(t, acls.IsServerBannedFromRoom("good.example.com:8448", "!allowed:test"))

	// IP literals are rejected when not explicitly allowed, even if an
	// allow rule would otherwise match.
	assert.True(t, acls.IsServerBannedFromRoom("1.2.3.4", "!noliterals:test"))
	assert.True(t, acls.IsServerBannedFromRoom("1.2.3.4:8448", "!noliterals:test"))
}

func TestQueryServerBannedFromRoom(t *testing.T) {
	acls := &ServerACLs{
		rooms: map[string]*roomACL{
			"!room:test": {
				deny: []*regexp.Regexp{regexp.MustCompile("^banned\\.example\\.com$")},
			},
		},
	}

	banned, err := acls.QueryServerBannedFromRoom(context.Background(), "banned.example.com", "!room:test")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = acls.QueryServerBannedFromRoom(context.Background(), "banned.example.com", "!other:test")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestServerACLUpdateReplacesRules(t *testing.T) {
	acls := &ServerACLs{rooms: map[string]*roomACL{
		"!room:test": {
			deny: []*regexp.Regexp{regexp.MustCompile("^ex-partner\\.example\\.com$")},
		},
	}}
	assert.True(t, acls.IsServerBannedFromRoom("ex-partner.example.com", "!room:test"))

	// Compiling fresh rules drops the old deny entry entirely.
	acls.rooms["!room:test"] = &roomACL{
		allow: compileGlobs([]string{"*"}),
	}
	assert.False(t, acls.IsServerBannedFromRoom("ex-partner.example.com", "!room:test"))
}

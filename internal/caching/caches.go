package caching

import (
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/dr-bonez/conduwuit/roomserver/types"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	ServerVisibility Cache[ServerStateKey, bool] // can this server see events at this state
	UserVisibility   Cache[UserStateKey, bool]   // can this user see events at this state
}

// ServerStateKey identifies one server-visibility decision. A short
// state hash denotes exactly one state snapshot, so the decision for a
// given key never changes once computed.
type ServerStateKey struct {
	ServerName     gomatrixserverlib.ServerName
	ShortStateHash types.ShortStateHash
}

// UserStateKey identifies one user-visibility decision.
type UserStateKey struct {
	UserID         string
	ShortStateHash types.ShortStateHash
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
	// Purge drops every entry, e.g. on memory pressure or an
	// administrative cache clear.
	Purge()
}

type keyable interface {
	comparable
}

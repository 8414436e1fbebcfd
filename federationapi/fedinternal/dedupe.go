package internal

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// How long we remember a delivered message ID for. Remote servers
	// retry failed transactions well within this window.
	messageRetention = time.Hour
	sweepInterval    = 10 * time.Minute
)

// ToDeviceDeduper remembers recently delivered direct-to-device message
// IDs so that retried federation transactions deliver each message at
// most once.
type ToDeviceDeduper struct {
	seen *gocache.Cache
}

func NewToDeviceDeduper() *ToDeviceDeduper {
	return &ToDeviceDeduper{
		seen: gocache.New(messageRetention, sweepInterval),
	}
}

// Seen atomically records the (sender, messageID) pair and reports
// whether it had already been recorded within the retention window.
// The insert-or-fail is what keeps duplicate message IDs inside one
// transaction from delivering twice when EDUs are handled concurrently.
func (d *ToDeviceDeduper) Seen(sender, messageID string) bool {
	return d.seen.Add(dedupeKey(sender, messageID), struct{}{}, gocache.DefaultExpiration) != nil
}

// Forget drops the pair again. It is called when delivery failed, so
// the record never outlives a failed delivery and the remote's retry of
// the same message ID is not suppressed.
func (d *ToDeviceDeduper) Forget(sender, messageID string) {
	d.seen.Delete(dedupeKey(sender, messageID))
}

func dedupeKey(sender, messageID string) string {
	return fmt.Sprintf("%s\x1f%s", sender, messageID)
}

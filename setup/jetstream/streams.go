package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Header names carried on published EDU messages.
const (
	UserID  = "user_id"
	RoomID  = "room_id"
	EventID = "event_id"
)

var (
	InputDeviceListUpdate   = "InputDeviceListUpdate"
	InputSigningKeyUpdate   = "InputSigningKeyUpdate"
	OutputSendToDeviceEvent = "OutputSendToDeviceEvent"
	OutputTypingEvent       = "OutputTypingEvent"
	OutputReceiptEvent      = "OutputReceiptEvent"
	OutputPresenceEvent     = "OutputPresenceEvent"
)

// Typing and presence are ephemeral by nature, so their streams live
// in memory with a short age cap; everything else must survive a
// restart and goes to disk.
var streams = []*nats.StreamConfig{
	{
		Name:      InputDeviceListUpdate,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      InputSigningKeyUpdate,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputSendToDeviceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputTypingEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Second * 60,
	},
	{
		Name:      OutputReceiptEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputPresenceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Minute * 5,
	},
}

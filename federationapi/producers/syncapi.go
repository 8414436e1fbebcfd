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

package producers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/dr-bonez/conduwuit/federationapi/types"
	"github.com/dr-bonez/conduwuit/setup/jetstream"
	userapi "github.com/dr-bonez/conduwuit/userapi/api"
)

// SyncAPIProducer produces events for the sync API server to consume
type SyncAPIProducer struct {
	TopicReceiptEvent      string
	TopicSendToDeviceEvent string
	TopicTypingEvent       string
	TopicPresenceEvent     string
	TopicDeviceListUpdate  string
	TopicSigningKeyUpdate  string
	JetStream              nats.JetStreamContext
	UserAPI                userapi.FederationUserAPI
}

func (p *SyncAPIProducer) SendReceipt(
	ctx context.Context,
	userID, roomID, eventID, receiptType string, timestamp gomatrixserverlib.Timestamp,
) error {
	m := &nats.Msg{
		Subject: p.TopicReceiptEvent,
		Header:  nats.Header{},
	}
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.EventID, eventID)
	m.Header.Set("type", receiptType)
	m.Header.Set("timestamp", strconv.Itoa(int(timestamp)))

	log.Tracef("Producing to topic '%s'", p.TopicReceiptEvent)
	_, err := p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

func (p *SyncAPIProducer) SendToDevice(
	ctx context.Context, sender, userID, deviceID, eventType string,
	message json.RawMessage,
) error {
	devices := []string{}
	if _, _, err := gomatrixserverlib.SplitID('@', userID); err != nil {
		return err
	}

	// If we are sending to "*" (all devices) then we need to find the
	// known device IDs for the local user.
	if deviceID == "*" {
		deviceIDs, err := p.UserAPI.QueryDeviceIDs(ctx, userID)
		if err != nil {
			return err
		}
		devices = append(devices, deviceIDs...)
	} else {
		devices = append(devices, deviceID)
	}

	log.WithFields(log.Fields{
		"user_id":     userID,
		"num_devices": len(devices),
		"type":        eventType,
	}).Tracef("Producing to topic '%s'", p.TopicSendToDeviceEvent)
	for _, device := range devices {
		ote := &types.ToDeviceEvent{
			Sender:   sender,
			Type:     eventType,
			UserID:   userID,
			DeviceID: device,
			Content:  message,
		}
		eventJSON, err := json.Marshal(ote)
		if err != nil {
			log.WithError(err).Error("sendToDevice failed json.Marshal")
			return err
		}
		m := nats.NewMsg(p.TopicSendToDeviceEvent)
		m.Data = eventJSON
		m.Header.Set("sender", sender)
		m.Header.Set(jetstream.UserID, userID)
		if _, err = p.JetStream.PublishMsg(m, nats.Context(ctx)); err != nil {
			log.WithError(err).Error("sendToDevice failed t.JetStream.PublishMsg")
			return err
		}
	}
	return nil
}

func (p *SyncAPIProducer) SendTyping(
	ctx context.Context, userID, roomID string, typing bool, timeoutMS int64,
) error {
	m := &nats.Msg{
		Subject: p.TopicTypingEvent,
		Header:  nats.Header{},
	}
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set("typing", strconv.FormatBool(typing))
	m.Header.Set("timeout_ms", strconv.FormatInt(timeoutMS, 10))

	_, err := p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

func (p *SyncAPIProducer) SendPresence(
	ctx context.Context, userID string, presence string, statusMsg *string,
	lastActiveAgo int64,
) error {
	m := nats.NewMsg(p.TopicPresenceEvent)
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set("presence", presence)
	if statusMsg != nil {
		m.Header.Set("status_msg", *statusMsg)
	}
	lastActiveTS := gomatrixserverlib.AsTimestamp(time.Now().Add(-(time.Duration(lastActiveAgo) * time.Millisecond)))
	m.Header.Set("last_active_ts", strconv.Itoa(int(lastActiveTS)))

	_, err := p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

func (p *SyncAPIProducer) SendDeviceListUpdate(
	ctx context.Context, message json.RawMessage, origin gomatrixserverlib.ServerName,
) (err error) {
	m := nats.NewMsg(p.TopicDeviceListUpdate)
	m.Header.Set("origin", string(origin))
	m.Data = message

	log.Debugf("Sending device list update: %+v", string(m.Data))
	_, err = p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

func (p *SyncAPIProducer) SendSigningKeyUpdate(
	ctx context.Context, data json.RawMessage, origin gomatrixserverlib.ServerName,
) (err error) {
	m := nats.NewMsg(p.TopicSigningKeyUpdate)
	m.Header.Set("origin", string(origin))
	m.Data = data

	log.Debugf("Sending signing key update")
	_, err = p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

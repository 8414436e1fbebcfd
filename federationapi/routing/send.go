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

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	fedInternal "github.com/dr-bonez/conduwuit/federationapi/fedinternal"
	"github.com/dr-bonez/conduwuit/federationapi/producers"
	fedTypes "github.com/dr-bonez/conduwuit/federationapi/types"
	"github.com/dr-bonez/conduwuit/internal"
	"github.com/dr-bonez/conduwuit/internal/jsonerror"
	"github.com/dr-bonez/conduwuit/roomserver/api"
	"github.com/dr-bonez/conduwuit/setup/config"
	"github.com/dr-bonez/conduwuit/setup/process"
)

const (
	// Event was passed to the roomserver
	MetricsOutcomeOK = "ok"
	// Event failed to be processed
	MetricsOutcomeFail = "fail"
	// Event failed auth checks
	MetricsOutcomeRejected = "rejected"

	// How many EDUs to work on at the same time once the PDU results
	// have been collected.
	maxConcurrentEDUs = 16

	// The processing budget for a single PDU once its room worker picks
	// it up. Decoupled from the request context so that slow state
	// resolution isn't abandoned halfway through just because the
	// remote server gave up waiting.
	pduProcessTimeout = time.Minute * 5
)

var (
	pduCountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduwuit",
			Subsystem: "federationapi",
			Name:      "recv_pdus",
			Help:      "Number of incoming PDUs from remote servers with labels for success",
		},
		[]string{"status"}, // 'success' or 'total'
	)
	eduCountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conduwuit",
			Subsystem: "federationapi",
			Name:      "recv_edus",
			Help:      "Number of incoming EDUs from remote servers",
		},
	)
	processEventSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: "conduwuit",
			Subsystem: "federationapi",
			Name:      "process_event",
			Help:      "How long it takes to process an incoming event",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		pduCountTotal, eduCountTotal, processEventSummary,
	)
}

// Send implements /_matrix/federation/v1/send/{txnID}
func Send(
	httpReq *http.Request,
	request *gomatrixserverlib.FederationRequest,
	txnID gomatrixserverlib.TransactionID,
	cfg *config.FederationAPI,
	rsAPI api.FederationRoomserverAPI,
	keys gomatrixserverlib.JSONVerifier,
	mu *internal.MutexByRoom,
	producer *producers.SyncAPIProducer,
	deduper *fedInternal.ToDeviceDeduper,
	proc *process.ProcessContext,
) util.JSONResponse {
	t := txnReq{
		cfg:      cfg,
		rsAPI:    rsAPI,
		keys:     keys,
		roomsMu:  mu,
		producer: producer,
		deduper:  deduper,
		proc:     proc,
	}

	var txnEvents struct {
		Origin gomatrixserverlib.ServerName `json:"origin"`
		PDUs   []json.RawMessage            `json:"pdus"`
		EDUs   []gomatrixserverlib.EDU      `json:"edus"`
	}

	if err := json.Unmarshal(request.Content(), &txnEvents); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.NotJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	// The origin in the signed envelope must be the server the request
	// was authenticated as. A mismatch is a policy violation, not a
	// malformed request.
	if txnEvents.Origin != "" && txnEvents.Origin != request.Origin() {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden(fmt.Sprintf(
				"The transaction origin %q does not match the request origin %q",
				txnEvents.Origin, request.Origin(),
			)),
		}
	}
	// Transactions are limited in size; they can have at most 50 PDUs and 100 EDUs.
	// https://matrix.org/docs/spec/server_server/latest#transactions
	if len(txnEvents.PDUs) > cfg.TransactionMaxPDUs || len(txnEvents.EDUs) > cfg.TransactionMaxEDUs {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden(fmt.Sprintf(
				"Transaction is too large: max %d pdus, %d edus", cfg.TransactionMaxPDUs, cfg.TransactionMaxEDUs,
			)),
		}
	}

	t.PDUs = txnEvents.PDUs
	t.EDUs = txnEvents.EDUs
	t.Origin = request.Origin()
	t.TransactionID = txnID
	t.Destination = cfg.Matrix.ServerName

	util.GetLogger(httpReq.Context()).Infof("Received transaction %q from %q containing %d PDUs, %d EDUs", txnID, request.Origin(), len(t.PDUs), len(t.EDUs))

	resp, jsonErr := t.processTransaction(httpReq.Context())
	if jsonErr != nil {
		util.GetLogger(httpReq.Context()).WithField("jsonErr", jsonErr).Error("t.processTransaction failed")
		return *jsonErr
	}

	// https://matrix.org/docs/spec/server_server/r0.1.3#put-matrix-federation-v1-send-txnid
	// Status code 200:
	// The result of processing the transaction. The server is to use this response
	// even in the event of one or more PDUs failing to be processed.
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: resp,
	}
}

type txnReq struct {
	gomatrixserverlib.Transaction
	cfg      *config.FederationAPI
	rsAPI    api.FederationRoomserverAPI
	keys     gomatrixserverlib.JSONVerifier
	roomsMu  *internal.MutexByRoom
	producer *producers.SyncAPIProducer
	deduper  *fedInternal.ToDeviceDeduper
	proc     *process.ProcessContext
}

// A pduTask is a single PDU that survived parsing and signature checks,
// waiting to be applied by its room worker.
type pduTask struct {
	event       *gomatrixserverlib.Event
	roomVersion gomatrixserverlib.RoomVersion
	err         error // written by the room worker, read after all workers finish
}

func (t *txnReq) processTransaction(ctx context.Context) (*gomatrixserverlib.RespSend, *util.JSONResponse) {
	results := make(map[string]gomatrixserverlib.PDUResult)

	// Group the PDUs by room, keeping the transaction order within each
	// room. The order across rooms doesn't matter, so rooms can be
	// worked on concurrently.
	tasksByRoom := make(map[string][]*pduTask)
	var roomOrder []string

	for _, pdu := range t.PDUs {
		pduCountTotal.WithLabelValues("total").Inc()
		var header struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(pdu, &header); err != nil {
			util.GetLogger(ctx).WithError(err).Warn("Transaction: Failed to extract room ID from event")
			// We don't know the event ID at this point so we can't return the
			// failure in the PDU results
			continue
		}
		roomVersion, err := t.rsAPI.QueryRoomVersionForRoom(ctx, header.RoomID)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Warn("Transaction: Failed to query room version for room ", header.RoomID)
			// We don't know the event ID at this point so we can't return the
			// failure in the PDU results
			continue
		}
		event, err := gomatrixserverlib.NewEventFromUntrustedJSON(pdu, roomVersion)
		if err != nil {
			if _, ok := err.(gomatrixserverlib.BadJSONError); ok {
				// Room version 6 states that homeservers should strictly enforce canonical JSON
				// on PDUs. The entire transaction is rejected if a single bad PDU is sent.
				return nil, &util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: jsonerror.BadJSON("PDU contains bad JSON"),
				}
			}
			util.GetLogger(ctx).WithError(err).Warnf("Transaction: Failed to parse event JSON of event %s", string(pdu))
			continue
		}
		banned, err := t.rsAPI.QueryServerBannedFromRoom(ctx, t.Origin, event.RoomID())
		if err != nil {
			results[event.EventID()] = gomatrixserverlib.PDUResult{
				Error: jsonerror.SanitizedMessage(err),
			}
			continue
		}
		if banned {
			results[event.EventID()] = gomatrixserverlib.PDUResult{
				Error: "Forbidden by server ACLs",
			}
			continue
		}
		if err = event.VerifyEventSignatures(ctx, t.keys); err != nil {
			util.GetLogger(ctx).WithError(err).Warnf("Transaction: Couldn't validate signature of event %q", event.EventID())
			results[event.EventID()] = gomatrixserverlib.PDUResult{
				Error: err.Error(),
			}
			continue
		}
		if _, ok := tasksByRoom[event.RoomID()]; !ok {
			roomOrder = append(roomOrder, event.RoomID())
		}
		tasksByRoom[event.RoomID()] = append(tasksByRoom[event.RoomID()], &pduTask{
			event:       event,
			roomVersion: roomVersion,
		})
	}

	// Rooms fan out to at most one worker per CPU. Events for the same
	// room always stay on one worker so they apply in transaction order.
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, roomID := range roomOrder {
		roomID := roomID
		g.Go(func() error {
			t.processRoomEvents(ctx, roomID, tasksByRoom[roomID])
			return nil
		})
	}
	_ = g.Wait() // the workers record their failures on the tasks

	// EDUs only run once all PDU results are in. They have no results
	// of their own and no ordering guarantees between each other.
	t.processEDUs(ctx)

	for _, tasks := range tasksByRoom {
		for _, task := range tasks {
			switch err := task.err.(type) {
			case nil:
				results[task.event.EventID()] = gomatrixserverlib.PDUResult{}
			case *gomatrixserverlib.NotAllowed:
				// Auth rejections carry their reason so the remote
				// server knows not to retry the event.
				results[task.event.EventID()] = gomatrixserverlib.PDUResult{
					Error: err.Error(),
				}
			default:
				results[task.event.EventID()] = gomatrixserverlib.PDUResult{
					Error: jsonerror.SanitizedMessage(task.err),
				}
			}
		}
	}

	if c := len(results); c > 0 {
		util.GetLogger(ctx).Infof("Processed %d PDUs from transaction %q", c, t.TransactionID)
	}
	return &gomatrixserverlib.RespSend{PDUs: results}, nil
}

// processRoomEvents applies the surviving PDUs for one room, in the
// order the remote server sent them. The room mutex stops two
// transactions from interleaving their events for the same room.
func (t *txnReq) processRoomEvents(ctx context.Context, roomID string, tasks []*pduTask) {
	guard := t.roomsMu.Lock(roomID)
	defer guard.Unlock()
	for _, task := range tasks {
		if t.proc != nil && t.proc.ShuttingDown() {
			task.err = errShuttingDown
			continue
		}
		select {
		case <-ctx.Done():
			task.err = context.DeadlineExceeded
			pduCountTotal.WithLabelValues("expired").Inc()
			continue
		default:
		}
		evStart := time.Now()
		pctx, cancel := context.WithTimeout(context.Background(), pduProcessTimeout)
		task.err = t.rsAPI.HandleIncomingPDU(pctx, task.event.Headered(task.roomVersion))
		cancel()
		if err := task.err; err != nil {
			switch err.(type) {
			case *gomatrixserverlib.NotAllowed:
				processEventSummary.WithLabelValues(MetricsOutcomeRejected).Observe(
					float64(time.Since(evStart).Nanoseconds()) / 1000.,
				)
				util.GetLogger(ctx).WithError(err).WithField("event_id", task.event.EventID()).WithField("rejected", true).Warn(
					"Failed to process incoming federation event, skipping",
				)
			default:
				processEventSummary.WithLabelValues(MetricsOutcomeFail).Observe(
					float64(time.Since(evStart).Nanoseconds()) / 1000.,
				)
				util.GetLogger(ctx).WithError(err).WithField("event_id", task.event.EventID()).WithField("rejected", false).Warn(
					"Failed to process incoming federation event, skipping",
				)
			}
		} else {
			pduCountTotal.WithLabelValues("success").Inc()
			processEventSummary.WithLabelValues(MetricsOutcomeOK).Observe(
				float64(time.Since(evStart).Nanoseconds()) / 1000.,
			)
		}
	}
}

var errShuttingDown = &jsonerror.MatrixError{
	ErrCode: "M_UNKNOWN",
	Err:     "Server is shutting down",
}

func (t *txnReq) processEDUs(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentEDUs)
	for _, e := range t.EDUs {
		e := e
		eduCountTotal.Inc()
		g.Go(func() error {
			t.processEDU(ctx, e)
			return nil
		})
	}
	_ = g.Wait() // EDU failures are logged, never returned
}

func (t *txnReq) processEDU(ctx context.Context, e gomatrixserverlib.EDU) {
	switch e.Type {
	case gomatrixserverlib.MTyping:
		// https://matrix.org/docs/spec/server_server/latest#typing-notifications
		if !t.cfg.AllowInboundTyping {
			return
		}
		var typingPayload struct {
			RoomID string `json:"room_id"`
			UserID string `json:"user_id"`
			Typing bool   `json:"typing"`
		}
		if err := json.Unmarshal(e.Content, &typingPayload); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to unmarshal typing event")
			return
		}
		if _, serverName, err := gomatrixserverlib.SplitID('@', typingPayload.UserID); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to split domain from typing event sender")
			return
		} else if serverName != t.Origin {
			util.GetLogger(ctx).Warnf("Dropping typing event where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
			return
		}
		if banned, err := t.rsAPI.QueryServerBannedFromRoom(ctx, t.Origin, typingPayload.RoomID); err != nil || banned {
			util.GetLogger(ctx).WithError(err).Warnf("Dropping typing event from %q, banned by ACLs in %q", t.Origin, typingPayload.RoomID)
			return
		}
		if joined, err := t.rsAPI.QueryUserJoinedToRoom(ctx, typingPayload.UserID, typingPayload.RoomID); err != nil || !joined {
			util.GetLogger(ctx).WithError(err).Debugf("Dropping typing event for %q, not joined to %q", typingPayload.UserID, typingPayload.RoomID)
			return
		}
		if err := t.producer.SendTyping(ctx, typingPayload.UserID, typingPayload.RoomID, typingPayload.Typing, int64(t.cfg.TypingTimeoutMS)); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to send typing event to JetStream")
		}
	case gomatrixserverlib.MDirectToDevice:
		// https://matrix.org/docs/spec/server_server/r0.1.3#m-direct-to-device-schema
		var directPayload gomatrixserverlib.ToDeviceMessage
		if err := json.Unmarshal(e.Content, &directPayload); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to unmarshal send-to-device events")
			return
		}
		if _, serverName, err := gomatrixserverlib.SplitID('@', directPayload.Sender); err != nil {
			return
		} else if serverName != t.Origin {
			util.GetLogger(ctx).Warnf("Dropping send-to-device events where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
			return
		}
		// Remote servers retry transactions they consider failed, so
		// a message ID we've already delivered must not fan out twice.
		if t.deduper.Seen(directPayload.Sender, directPayload.MessageID) {
			util.GetLogger(ctx).WithFields(logrus.Fields{
				"sender":     directPayload.Sender,
				"message_id": directPayload.MessageID,
			}).Debug("Skipping already handled send-to-device messages")
			return
		}
		delivered := true
		for userID, byUser := range directPayload.Messages {
			for deviceID, message := range byUser {
				// Each nested event stands alone: one that isn't a JSON
				// object is skipped without affecting the others.
				var content map[string]json.RawMessage
				if err := json.Unmarshal(message, &content); err != nil {
					util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
						"sender":    directPayload.Sender,
						"user_id":   userID,
						"device_id": deviceID,
					}).Warn("Skipping undecodable send-to-device message")
					continue
				}
				if err := t.producer.SendToDevice(ctx, directPayload.Sender, userID, deviceID, directPayload.Type, message); err != nil {
					delivered = false
					util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
						"sender":    directPayload.Sender,
						"user_id":   userID,
						"device_id": deviceID,
					}).Error("Failed to send send-to-device event to JetStream")
				}
			}
		}
		// The record must not outlive a failed delivery, or the remote's
		// retry of the same message ID would be suppressed.
		if !delivered {
			t.deduper.Forget(directPayload.Sender, directPayload.MessageID)
		}
	case gomatrixserverlib.MDeviceListUpdate:
		t.processDeviceListUpdate(ctx, e)
	case gomatrixserverlib.MReceipt:
		// https://matrix.org/docs/spec/server_server/r0.1.4#receipts
		if !t.cfg.AllowInboundReceipts {
			return
		}
		payload := map[string]fedTypes.FederationReceiptMRead{}

		if err := json.Unmarshal(e.Content, &payload); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to unmarshal receipt event")
			return
		}

		for roomID, receipt := range payload {
			if banned, err := t.rsAPI.QueryServerBannedFromRoom(ctx, t.Origin, roomID); err != nil || banned {
				util.GetLogger(ctx).WithError(err).Warnf("Dropping receipt event from %q, banned by ACLs in %q", t.Origin, roomID)
				continue
			}
			for userID, mread := range receipt.User {
				_, serverName, err := gomatrixserverlib.SplitID('@', userID)
				if err != nil {
					continue
				}
				if t.Origin != serverName {
					util.GetLogger(ctx).Warnf("Dropping receipt event where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
					continue
				}
				if inRoom, err := t.rsAPI.QueryServerInRoom(ctx, t.Origin, roomID); err != nil || !inRoom {
					util.GetLogger(ctx).WithError(err).Debugf("Dropping receipt event from %q, no members in %q", t.Origin, roomID)
					continue
				}
				if err := t.processReceiptEvent(ctx, userID, roomID, "m.read", mread.Data.TS, mread.EventIDs); err != nil {
					util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
						"sender":  t.Origin,
						"user_id": userID,
						"room_id": roomID,
						"events":  mread.EventIDs,
					}).Error("Failed to send receipt event to JetStream")
					continue
				}
			}
		}
	case fedTypes.MSigningKeyUpdate:
		t.processSigningKeyUpdate(ctx, e)
	case gomatrixserverlib.MPresence:
		if t.cfg.Matrix.Presence.EnableInbound {
			t.processPresence(ctx, e)
		}
	default:
		util.GetLogger(ctx).WithField("type", e.Type).Debug("Unhandled EDU")
	}
}

// processPresence handles m.presence events
func (t *txnReq) processPresence(ctx context.Context, e gomatrixserverlib.EDU) {
	payload := fedTypes.Presence{}
	if err := json.Unmarshal(e.Content, &payload); err != nil {
		util.GetLogger(ctx).WithError(err).Error("Failed to unmarshal presence event")
		return
	}
	for _, content := range payload.Push {
		_, serverName, err := gomatrixserverlib.SplitID('@', content.UserID)
		if err != nil {
			continue
		}
		if serverName != t.Origin {
			util.GetLogger(ctx).Warnf("Dropping presence event where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
			continue
		}
		if err := t.producer.SendPresence(ctx, content.UserID, content.Presence, content.StatusMsg, content.LastActiveAgo); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to send presence event to JetStream")
		}
	}
}

func (t *txnReq) processSigningKeyUpdate(ctx context.Context, e gomatrixserverlib.EDU) {
	var updatePayload fedTypes.CrossSigningKeyUpdate
	if err := json.Unmarshal(e.Content, &updatePayload); err != nil {
		util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
			"origin": t.Origin,
		}).Debug("Failed to unmarshal signing key update")
		return
	}
	// A signing key update that doesn't carry a master key can't be
	// verified against anything, so drop it.
	if updatePayload.MasterKey == nil {
		util.GetLogger(ctx).WithFields(logrus.Fields{
			"origin":  t.Origin,
			"user_id": updatePayload.UserID,
		}).Debug("Dropping signing key update with no master key")
		return
	}
	if _, serverName, err := gomatrixserverlib.SplitID('@', updatePayload.UserID); err != nil {
		return
	} else if serverName != t.Origin {
		util.GetLogger(ctx).Warnf("Dropping signing key update where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
		return
	}

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"user_id": updatePayload.UserID,
	})
	if err := t.producer.SendSigningKeyUpdate(ctx, json.RawMessage(e.Content), t.Origin); err != nil {
		logger.WithError(err).Errorf("Failed to send signing key update")
	}
}

// processReceiptEvent sends receipt events to the JetStream producer
func (t *txnReq) processReceiptEvent(ctx context.Context,
	userID, roomID, receiptType string,
	timestamp gomatrixserverlib.Timestamp,
	eventIDs []string,
) error {
	// store every event
	for _, eventID := range eventIDs {
		if err := t.producer.SendReceipt(ctx, userID, roomID, eventID, receiptType, timestamp); err != nil {
			return fmt.Errorf("unable to set receipt event: %w", err)
		}
	}
	return nil
}

func (t *txnReq) processDeviceListUpdate(ctx context.Context, e gomatrixserverlib.EDU) {
	var payload gomatrixserverlib.DeviceListUpdateEvent
	if err := json.Unmarshal(e.Content, &payload); err != nil {
		util.GetLogger(ctx).WithError(err).Error("Failed to unmarshal device list update event")
		return
	}
	if _, serverName, err := gomatrixserverlib.SplitID('@', payload.UserID); err != nil {
		return
	} else if serverName != t.Origin {
		util.GetLogger(ctx).Warnf("Dropping device list update where sender domain (%q) doesn't match origin (%q)", serverName, t.Origin)
		return
	}
	if err := t.producer.SendDeviceListUpdate(ctx, json.RawMessage(e.Content), t.Origin); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("user_id", payload.UserID).Error("failed to publish device list update")
	}
}

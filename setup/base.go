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

package setup

import (
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	fedInternal "github.com/dr-bonez/conduwuit/federationapi/fedinternal"
	"github.com/dr-bonez/conduwuit/federationapi/producers"
	"github.com/dr-bonez/conduwuit/federationapi/routing"
	"github.com/dr-bonez/conduwuit/internal"
	roomserverAPI "github.com/dr-bonez/conduwuit/roomserver/api"
	"github.com/dr-bonez/conduwuit/setup/config"
	"github.com/dr-bonez/conduwuit/setup/jetstream"
	"github.com/dr-bonez/conduwuit/setup/process"
	userapi "github.com/dr-bonez/conduwuit/userapi/api"
)

// PublicFederationPathPrefix is the path prefix every federation
// endpoint is mounted under.
const PublicFederationPathPrefix = "/_matrix/federation/"

// Base carries the resources shared by every component: the process
// context, the parsed config, the embedded NATS instance and the public
// federation router. All errors during construction are handled by
// logging then exiting, so it should only be used during start up.
type Base struct {
	*process.ProcessContext
	Cfg                    *config.Config
	NATS                   *jetstream.NATSInstance
	PublicFederationAPIMux *mux.Router
}

// NewBase verifies the config, configures logging from it and prepares
// the shared resources. The componentName only shows up in log lines.
func NewBase(cfg *config.Config, componentName string) *Base {
	configErrors := &config.ConfigErrors{}
	cfg.Verify(configErrors)
	if len(*configErrors) > 0 {
		for _, err := range *configErrors {
			logrus.Errorf("Configuration error: %s", err)
		}
		logrus.Fatalf("Failed to start due to configuration errors")
	}

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging, componentName)

	fedMux := mux.NewRouter().SkipClean(true).PathPrefix(PublicFederationPathPrefix).Subrouter().UseEncodedPath()

	return &Base{
		ProcessContext:         process.NewProcessContext(),
		Cfg:                    cfg,
		NATS:                   &jetstream.NATSInstance{},
		PublicFederationAPIMux: fedMux,
	}
}

// SetupFederationAPI connects the transaction pipeline end to end:
// JetStream streams are created, the sync API producer is pointed at
// them, and the /send endpoint is mounted on the public router. The
// roomserver, user API and key verifier are the caller's.
func (b *Base) SetupFederationAPI(
	rsAPI roomserverAPI.FederationRoomserverAPI,
	userAPI userapi.FederationUserAPI,
	keys gomatrixserverlib.JSONVerifier,
) {
	js, _ := b.NATS.Prepare(b.ProcessContext, &b.Cfg.Global.JetStream)
	producer := &producers.SyncAPIProducer{
		JetStream:              js,
		TopicReceiptEvent:      b.Cfg.Global.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		TopicSendToDeviceEvent: b.Cfg.Global.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
		TopicTypingEvent:       b.Cfg.Global.JetStream.Prefixed(jetstream.OutputTypingEvent),
		TopicPresenceEvent:     b.Cfg.Global.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		TopicDeviceListUpdate:  b.Cfg.Global.JetStream.Prefixed(jetstream.InputDeviceListUpdate),
		TopicSigningKeyUpdate:  b.Cfg.Global.JetStream.Prefixed(jetstream.InputSigningKeyUpdate),
		UserAPI:                userAPI,
	}
	routing.Setup(
		b.PublicFederationAPIMux,
		&b.Cfg.FederationAPI,
		rsAPI, keys,
		internal.NewMutexByRoom(),
		producer,
		fedInternal.NewToDeviceDeduper(),
		b.ProcessContext,
	)
}

// Close stops the process context and waits for every registered
// component to finish.
func (b *Base) Close() {
	b.ProcessContext.Shutdown()
	b.ProcessContext.WaitForComponentsToFinish()
}

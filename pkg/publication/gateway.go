// Copyright 2023 LiveKit, Inc.
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

package publication

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/capture"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

type GatewayParams struct {
	LocalID types.PeerID
	// when false tracks are only cloned, nothing is registered
	RelayEnabled bool
	Relay        Relay
	Logger       logger.Logger
}

// Gateway turns a captured track into a Publication: an optional relay registration plus a clone
// reserved for peer-to-peer senders.
type Gateway struct {
	params GatewayParams
}

func NewGateway(params GatewayParams) *Gateway {
	if params.Relay == nil {
		params.Relay = NoopRelay{}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Gateway{params: params}
}

type Publication struct {
	kind        types.TrackKind
	trackID     string
	source      *capture.Track
	clone       *capture.Track
	unpublished atomic.Bool
}

func (p *Publication) Kind() types.TrackKind {
	return p.kind
}

// TrackID is the id obtained from the relay, empty when the track was not registered.
func (p *Publication) TrackID() string {
	return p.trackID
}

func (p *Publication) Source() *capture.Track {
	return p.source
}

// Track is the clone to attach to peer sessions.
func (p *Publication) Track() *capture.Track {
	return p.clone
}

func (p *Publication) IsUnpublished() bool {
	return p.unpublished.Load()
}

// Publish clones the captured track and, when enabled, registers it with the relay. A relay failure is
// logged and the publication is still usable for peer-to-peer delivery.
func (g *Gateway) Publish(ctx context.Context, kind types.TrackKind, track *capture.Track) (*Publication, error) {
	clone, err := track.Clone(utils.NewGuid(utils.TrackPrefix))
	if err != nil {
		prometheus.RecordTrackPublication(string(kind), "publish", "error")
		return nil, err
	}

	pub := &Publication{
		kind:   kind,
		source: track,
		clone:  clone,
	}
	if !g.params.RelayEnabled {
		prometheus.RecordTrackPublication(string(kind), "publish", "local")
		return pub, nil
	}

	trackID, err := g.params.Relay.PublishTrack(ctx, TrackInfo{
		Owner:     g.params.LocalID,
		Kind:      kind,
		MimeType:  track.Codec().MimeType,
		StreamID:  track.StreamID(),
		LocalID:   track.ID(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		prometheus.RecordTrackPublication(string(kind), "publish", "error")
		g.params.Logger.Warnw("could not publish track to relay", err, "kind", kind, "trackID", track.ID())
		return pub, nil
	}

	pub.trackID = trackID
	prometheus.RecordTrackPublication(string(kind), "publish", "success")
	g.params.Logger.Debugw("published track", "kind", kind, "trackID", trackID)
	return pub, nil
}

// Unpublish unregisters the track from the relay and stops the clone. Calling it again has no effect.
func (g *Gateway) Unpublish(ctx context.Context, pub *Publication) {
	if pub == nil || pub.unpublished.Swap(true) {
		return
	}

	if pub.trackID != "" {
		if err := g.params.Relay.UnpublishTrack(ctx, pub.trackID); err != nil {
			prometheus.RecordTrackPublication(string(pub.kind), "unpublish", "error")
			g.params.Logger.Warnw("could not unpublish track from relay", err, "kind", pub.kind, "trackID", pub.trackID)
		} else {
			prometheus.RecordTrackPublication(string(pub.kind), "unpublish", "success")
		}
	}

	pub.clone.Stop()
	g.params.Logger.Debugw("unpublished track", "kind", pub.kind, "trackID", pub.trackID)
}

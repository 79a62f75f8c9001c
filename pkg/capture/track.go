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

package capture

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

var (
	ErrTrackStopped     = errors.New("track stopped")
	ErrUnknownTrackKind = errors.New("unknown track kind")
)

// Track is a locally captured media track. Samples written to it are forwarded to every live clone,
// so each consumer can bind its own copy without sharing state with the others.
type Track struct {
	*webrtc.TrackLocalStaticSample

	kind    types.TrackKind
	parent  *Track
	stopped atomic.Bool

	lock   sync.RWMutex
	clones map[*Track]struct{}
}

func NewTrack(kind types.TrackKind, codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrUnknownTrackKind, "kind: %s", kind)
	}

	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{
		TrackLocalStaticSample: sample,
		kind:                   kind,
		clones:                 make(map[*Track]struct{}),
	}, nil
}

// MediaKind is the stage level kind, Kind() stays the transport codec type.
func (t *Track) MediaKind() types.TrackKind {
	return t.kind
}

// WriteSample writes to this track's bindings and then to every clone.
func (t *Track) WriteSample(sample media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}

	err := t.TrackLocalStaticSample.WriteSample(sample)

	t.lock.RLock()
	clones := make([]*Track, 0, len(t.clones))
	for c := range t.clones {
		clones = append(clones, c)
	}
	t.lock.RUnlock()

	for _, c := range clones {
		if cerr := c.WriteSample(sample); cerr != nil && !errors.Is(cerr, ErrTrackStopped) && err == nil {
			err = cerr
		}
	}
	return err
}

// Clone creates a new track with the same codec that receives every sample written to t.
func (t *Track) Clone(id string) (*Track, error) {
	if t.stopped.Load() {
		return nil, ErrTrackStopped
	}

	clone, err := NewTrack(t.kind, t.Codec(), id, t.StreamID())
	if err != nil {
		return nil, err
	}
	clone.parent = t

	t.lock.Lock()
	t.clones[clone] = struct{}{}
	t.lock.Unlock()
	return clone, nil
}

// Stop detaches the track from its source. Stopping the captured track also stops every clone.
func (t *Track) Stop() {
	if t.stopped.Swap(true) {
		return
	}

	if t.parent != nil {
		t.parent.lock.Lock()
		delete(t.parent.clones, t)
		t.parent.lock.Unlock()
	}

	t.lock.Lock()
	clones := t.clones
	t.clones = make(map[*Track]struct{})
	t.lock.Unlock()

	for c := range clones {
		c.Stop()
	}
}

func (t *Track) IsStopped() bool {
	return t.stopped.Load()
}

func (t *Track) NumClones() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.clones)
}

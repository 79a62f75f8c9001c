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

package types

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type PeerID string

func (p PeerID) String() string {
	return string(p)
}

type Role int

const (
	RoleImpolite Role = iota
	RolePolite
)

func (r Role) String() string {
	switch r {
	case RoleImpolite:
		return "IMPOLITE"
	case RolePolite:
		return "POLITE"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

// RoleFor returns the role the local peer takes towards the remote peer.
// Both sides compute it independently and always end up with opposite roles.
func RoleFor(local, remote PeerID) Role {
	if local < remote {
		return RolePolite
	}
	return RoleImpolite
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackKinds is the order media sections are laid out in every session.
var TrackKinds = []TrackKind{TrackKindAudio, TrackKindVideo}

func (k TrackKind) Valid() bool {
	return k == TrackKindAudio || k == TrackKindVideo
}

func (k TrackKind) RTPCodecType() webrtc.RTPCodecType {
	switch k {
	case TrackKindAudio:
		return webrtc.RTPCodecTypeAudio
	case TrackKindVideo:
		return webrtc.RTPCodecTypeVideo
	default:
		return 0
	}
}

func TrackKindFromRTPCodecType(t webrtc.RTPCodecType) TrackKind {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return TrackKindAudio
	case webrtc.RTPCodecTypeVideo:
		return TrackKindVideo
	default:
		return ""
	}
}

package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	SignalPrefix = "SG_"
	TrackPrefix  = "TR_"
	StagePrefix  = "ST_"
	PeerPrefix   = "PE_"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}

package publication

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/utils"
)

var ErrTrackNotFound = errors.New("track not registered with relay")

// TrackInfo describes a local track registered with the media relay.
type TrackInfo struct {
	Owner     types.PeerID    `json:"owner"`
	Kind      types.TrackKind `json:"kind"`
	MimeType  string          `json:"mime_type"`
	StreamID  string          `json:"stream_id"`
	LocalID   string          `json:"local_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// Relay registers local tracks with the server side media router and hands back the published track id.
type Relay interface {
	PublishTrack(ctx context.Context, info TrackInfo) (string, error)
	UnpublishTrack(ctx context.Context, trackID string) error
}

// ---------------------------------

type NoopRelay struct{}

func (NoopRelay) PublishTrack(_ context.Context, _ TrackInfo) (string, error) {
	return utils.NewGuid(utils.TrackPrefix), nil
}

func (NoopRelay) UnpublishTrack(_ context.Context, _ string) error {
	return nil
}

// ---------------------------------

// RedisRelay keeps published tracks of a stage in the hash stage:<stage>:tracks.
type RedisRelay struct {
	rc      redis.UniversalClient
	stageID string
}

func NewRedisRelay(rc redis.UniversalClient, stageID string) *RedisRelay {
	return &RedisRelay{
		rc:      rc,
		stageID: stageID,
	}
}

func TracksKey(stageID string) string {
	return fmt.Sprintf("stage:%s:tracks", stageID)
}

func (r *RedisRelay) PublishTrack(ctx context.Context, info TrackInfo) (string, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}

	trackID := utils.NewGuid(utils.TrackPrefix)
	if err := r.rc.HSet(ctx, TracksKey(r.stageID), trackID, data).Err(); err != nil {
		return "", errors.Wrap(err, "could not register track")
	}
	return trackID, nil
}

func (r *RedisRelay) UnpublishTrack(ctx context.Context, trackID string) error {
	removed, err := r.rc.HDel(ctx, TracksKey(r.stageID), trackID).Result()
	if err != nil {
		return errors.Wrap(err, "could not unregister track")
	}
	if removed == 0 {
		return ErrTrackNotFound
	}
	return nil
}

func (r *RedisRelay) ListTracks(ctx context.Context) (map[string]TrackInfo, error) {
	all, err := r.rc.HGetAll(ctx, TracksKey(r.stageID)).Result()
	if err != nil {
		return nil, err
	}

	tracks := make(map[string]TrackInfo, len(all))
	for id, data := range all {
		var info TrackInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, errors.Wrapf(err, "invalid track %s", id)
		}
		tracks[id] = info
	}
	return tracks, nil
}

package capture

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

var ErrUnsupportedCodec = errors.New("unsupported codec for file source")

// FileSource plays an ogg (opus) or ivf (VP8) file into a captured track, paced at playback speed.
// Without a file it writes silence-like filler samples so the track stays live.
type FileSource struct {
	track    *Track
	filePath string
	loop     bool
	logger   logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type FileSourceParams struct {
	Track    *Track
	FilePath string
	Loop     bool
	Logger   logger.Logger
}

func NewFileSource(ctx context.Context, params FileSourceParams) *FileSource {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &FileSource{
		track:    params.Track,
		filePath: params.FilePath,
		loop:     params.Loop,
		logger:   params.Logger.WithValues("trackID", params.Track.ID()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *FileSource) Start() error {
	if s.filePath == "" {
		go s.run(s.writeNull)
		return nil
	}

	path, err := homedir.Expand(s.filePath)
	if err != nil {
		return err
	}

	var write func(io.ReadSeeker) error
	switch strings.ToLower(s.track.Codec().MimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		write = s.writeOgg
	case strings.ToLower(webrtc.MimeTypeVP8):
		write = s.writeIVF
	default:
		return errors.Wrapf(ErrUnsupportedCodec, "mime: %s", s.track.Codec().MimeType)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}

	s.logger.Debugw("starting file source", "path", path, "mime", s.track.Codec().MimeType)
	go s.run(func() {
		defer file.Close()
		for {
			if err := write(file); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Errorw("could not play file", err, "path", path)
				}
				return
			}
			if !s.loop {
				s.logger.Debugw("all samples parsed and sent", "path", path)
				return
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				s.logger.Errorw("could not rewind file", err, "path", path)
				return
			}
		}
	})
	return nil
}

func (s *FileSource) Stop() {
	s.cancel()
}

// Done is closed once the source stops writing.
func (s *FileSource) Done() <-chan struct{} {
	return s.done
}

func (s *FileSource) run(f func()) {
	defer close(s.done)
	f()
}

func (s *FileSource) writeNull() {
	sample := media.Sample{Data: []byte{0x0, 0xff, 0xff, 0xff, 0xff}, Duration: 20 * time.Millisecond}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.track.WriteSample(sample); err != nil {
				if !errors.Is(err, ErrTrackStopped) {
					s.logger.Warnw("could not write sample", err)
				}
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *FileSource) writeOgg(r io.ReadSeeker) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return errors.Wrap(err, "could not open ogg")
	}

	// the granule delta is the number of samples in the page
	var lastGranule uint64
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "could not parse ogg page")
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if err = s.track.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			return err
		}
		s.sleep(sampleDuration)
	}
}

func (s *FileSource) writeIVF(r io.ReadSeeker) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return errors.Wrap(err, "could not open ivf")
	}

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		frame, _, err := ivf.ParseNextFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "could not parse VP8 frame")
		}

		s.sleep(frameDuration)
		if err = s.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

func (s *FileSource) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.ctx.Done():
	}
}

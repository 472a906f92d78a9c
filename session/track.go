package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"

	"strzcam.com/detection/frame"
)

const sampleBuilderDepth = 64

// H264TrackOpener decodes H264 RTP from the remote track into packed BGR
// frames through an ffmpeg child process, scaled to a fixed size for the
// detector.
func H264TrackOpener(width, height int) TrackOpener {
	return func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) (frame.Source, error) {
		return newFFmpegSource(track, width, height)
	}
}

type ffmpegSource struct {
	cmd        *exec.Cmd
	width      uint32
	height     uint32
	frames     chan frame.Frame
	quit       chan struct{}
	closeOnce  sync.Once
	err        error // set before frames is closed
	trackEnded atomic.Bool
}

func newFFmpegSource(track *webrtc.TrackRemote, width, height int) (*ffmpegSource, error) {
	cmd := exec.Command("ffmpeg",
		"-loglevel", "quiet",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	source := &ffmpegSource{
		cmd:    cmd,
		width:  uint32(width),
		height: uint32(height),
		frames: make(chan frame.Frame, 1),
		quit:   make(chan struct{}),
	}
	go source.feed(track, stdin)
	go source.decode(stdout)
	return source, nil
}

// feed depacketizes RTP into access units and pipes them to ffmpeg.
func (s *ffmpegSource) feed(track *webrtc.TrackRemote, stdin io.WriteCloser) {
	defer stdin.Close()

	builder := samplebuilder.New(sampleBuilderDepth, &codecs.H264Packet{}, track.Codec().ClockRate)
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.trackEnded.Store(true)
			} else {
				log.Printf("RTP read error: %v", err)
			}
			return
		}
		builder.Push(packet)
		for {
			sample := builder.Pop()
			if sample == nil {
				break
			}
			if _, err := stdin.Write(sample.Data); err != nil {
				return
			}
		}
	}
}

// decode reads raw BGR planes back out of ffmpeg.
func (s *ffmpegSource) decode(stdout io.Reader) {
	frameSize := int(s.width) * int(s.height) * 3
	for {
		data := make([]byte, frameSize)
		if _, err := io.ReadFull(stdout, data); err != nil {
			if s.trackEnded.Load() {
				s.err = frame.ErrEnded
			} else {
				s.err = fmt.Errorf("decoder output ended: %w", err)
			}
			close(s.frames)
			return
		}
		select {
		case s.frames <- frame.Frame{
			Data:      data,
			Width:     s.width,
			Height:    s.height,
			Timestamp: time.Now().UnixMilli(),
		}:
		case <-s.quit:
			return
		}
	}
}

func (s *ffmpegSource) Next(ctx context.Context) (frame.Frame, error) {
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return frame.Frame{}, s.err
		}
		return f, nil
	}
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

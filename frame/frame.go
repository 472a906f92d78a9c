package frame

import (
	"context"
	"errors"
)

// Frame is one decoded video frame as delivered by the media transport,
// tightly packed BGR24 rows.
type Frame struct {
	Data      []byte
	Width     uint32
	Height    uint32
	Timestamp int64
}

// ErrEnded reports that the video track finished normally.
var ErrEnded = errors.New("track ended")

// Source yields decoded frames from an active video track.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"strzcam.com/detection/detect"
	"strzcam.com/detection/frame"
	"strzcam.com/detection/sink"
)

// frameConsumer pulls decoded frames from the active video track, runs the
// detector on each one and dispatches the result to every sink.
type frameConsumer struct {
	processor detect.Processor
	sinks     []sink.Sink
	frameID   *atomic.Int64
}

// run loops until the track ends (nil), the context is cancelled (nil), or
// an error occurs (returned, ends the session).
func (c *frameConsumer) run(ctx context.Context, source frame.Source) error {
	log.Print("Starting detection video loop")
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	for {
		f, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, frame.ErrEnded) {
				log.Print("Video track ended")
				return nil
			}
			if ctx.Err() != nil {
				log.Print("Video processing task cancelled")
				return nil
			}
			return err
		}

		img, err := frame.DecodeRawFrame(f)
		if err != nil {
			return err
		}
		detections, err := c.processor.Process(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				log.Print("Video processing task cancelled")
				return nil
			}
			return err
		}

		timestamp := f.Timestamp
		if timestamp == 0 {
			timestamp = time.Now().UnixMilli()
		}
		result := detect.Result{
			FrameID:    int(c.frameID.Add(1)),
			Detections: detections,
			Timestamp:  timestamp,
		}
		c.dispatch(result)
	}
}

// dispatch delivers the result to every sink independently. One sink's
// failure never blocks or fails delivery to another.
func (c *frameConsumer) dispatch(result detect.Result) {
	var wg sync.WaitGroup
	for _, target := range c.sinks {
		wg.Add(1)
		go func(target sink.Sink) {
			defer wg.Done()
			if err := target.Broadcast(result); err != nil {
				log.Printf("Sink delivery failed: %v", err)
			}
		}(target)
	}
	wg.Wait()
}

// Package oto implements [audio.OutputDevice] with the ebitengine/oto mixer.
//
// An acquired stream owns one persistent oto player that pulls PCM16 from a
// sample timeline. Scheduled buffers are placed on that timeline at exact
// frame positions and the gaps between them are rendered as silence, so the
// device clock is the number of frames the player has consumed and buffers
// scheduled back to back play sample-accurately.
//
// oto permits a single context per process, so the speaker is a process-wide
// resource: only one stream may be acquired at a time, whichever [Output]
// value asks for it. The first Acquire fixes the output format; acquiring
// later with a different format fails with [audio.ErrDeviceUnavailable].
package oto

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

var _ audio.OutputDevice = (*Output)(nil)

// playerBuffer bounds how far the timeline is rendered ahead of the speaker.
const playerBuffer = 40 * time.Millisecond

var (
	ctxMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat audio.Format

	// held is set while a stream is acquired.
	held atomic.Bool
)

// claim takes the process-wide speaker or fails with [audio.ErrDeviceBusy].
func claim() error {
	if !held.CompareAndSwap(false, true) {
		return fmt.Errorf("oto: %w", audio.ErrDeviceBusy)
	}
	return nil
}

func release() { held.Store(false) }

// sharedContext returns the process-wide oto context, creating it on first use.
func sharedContext(format audio.Format) (*oto.Context, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if otoCtx != nil {
		if otoFormat != format {
			return nil, fmt.Errorf("oto: context already running at %s, cannot switch to %s: %w",
				otoFormat, format, audio.ErrDeviceUnavailable)
		}
		if err := otoCtx.Resume(); err != nil {
			return nil, classify("resume context", err)
		}
		return otoCtx, nil
	}

	c, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, classify("create context", err)
	}
	<-ready
	otoCtx, otoFormat = c, format
	return c, nil
}

// Output is the system default speaker.
type Output struct {
	log *slog.Logger
}

// NewOutput returns an Output for the system default output device.
func NewOutput() *Output {
	return &Output{log: slog.Default()}
}

// Acquire implements [audio.OutputDevice].
func (o *Output) Acquire(format audio.Format) (audio.OutputStream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("oto: %w", err)
	}
	if err := claim(); err != nil {
		return nil, err
	}
	c, err := sharedContext(format)
	if err != nil {
		release()
		return nil, err
	}

	tl := newTimeline(format.SampleRate, format.Channels)
	p := c.NewPlayer(tl)
	bufFrames := int64(playerBuffer) * int64(format.SampleRate) / int64(time.Second)
	p.SetBufferSize(int(bufFrames) * 2 * format.Channels)
	p.Play()

	o.log.Info("oto: output acquired", "format", format.String())
	return &stream{ctx: c, player: p, tl: tl, format: format}, nil
}

type stream struct {
	ctx    *oto.Context
	player *oto.Player
	tl     *timeline
	format audio.Format

	closeOnce sync.Once
	closeErr  error
}

// Now is the position of the next frame the player will pull. It runs ahead
// of the audible output by at most the player and driver buffers.
func (s *stream) Now() time.Duration { return s.tl.now() }

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) ScheduleBuffer(samples []float32, startAt time.Duration, onComplete func()) (audio.BufferHandle, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("oto: %v: %w", err, audio.ErrDeviceLost)
	}
	if err := s.player.Err(); err != nil {
		return nil, fmt.Errorf("oto: player: %v: %w", err, audio.ErrDeviceLost)
	}
	e, ok := s.tl.add(samples, startAt, onComplete)
	if !ok {
		return nil, fmt.Errorf("oto: stream closed: %w", audio.ErrDeviceLost)
	}
	return e, nil
}

func (s *stream) StopAll() { s.tl.stopAll() }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.tl.shutdown()
		err := s.player.Close()

		ctxMu.Lock()
		if serr := s.ctx.Suspend(); serr != nil && err == nil {
			err = fmt.Errorf("oto: suspend context: %w", serr)
		}
		ctxMu.Unlock()

		release()
		s.closeErr = err
	})
	return s.closeErr
}

// Stop implements [audio.BufferHandle].
func (e *entry) Stop() { e.tl.remove(e) }

// classify maps oto driver errors onto the device error taxonomy.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("oto: %s: %v: %w", op, err, audio.ErrPermissionDenied)
	}
	return fmt.Errorf("oto: %s: %v: %w", op, err, audio.ErrDeviceUnavailable)
}

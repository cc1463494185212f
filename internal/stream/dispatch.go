package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/duplexvoice/internal/transcript"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/playback"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// dispatchLoop is the single inbound event handler. It returns nil when the
// session is being closed locally, errRemoteClosed on a normal remote
// closure, and the fatal error otherwise.
func (s *Session) dispatchLoop(ctx context.Context, sched *playback.Scheduler, conn s2s.Conn) error {
	for ev := range conn.Events() {
		if err := s.dispatch(ctx, sched, ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := conn.Err(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return errRemoteClosed
}

// dispatch handles one inbound event. Only playback device loss is fatal.
func (s *Session) dispatch(ctx context.Context, sched *playback.Scheduler, ev s2s.Event) error {
	switch ev.Kind {
	case s2s.EventAudio:
		return s.playAudio(ctx, sched, ev)

	case s2s.EventTranscript:
		s.transcripts.Append(transcript.Entry{Speaker: ev.Speaker, Text: ev.Text, At: ev.Received})
		s.transcriptN.Add(1)
		s.metrics.RecordTranscript(ctx, string(ev.Speaker))

	case s2s.EventInterrupted:
		n := sched.CancelAll()
		s.interruptions.Add(1)
		s.metrics.RecordInterruption(ctx, n)
		s.logger().Debug("stream: interrupted, playback cancelled", "buffers", n)

	case s2s.EventTurnComplete:
		s.logger().Debug("stream: turn complete")

	case s2s.EventError:
		s.remoteErrors.Add(1)
		s.metrics.RecordRemoteError(ctx, s.provider.Name())
		s.logger().Warn("stream: remote reported an error", "err", ev.Err)

	default:
		s.logger().Debug("stream: ignoring unknown event", "kind", ev.Kind)
	}
	return nil
}

// playAudio decodes an audio delta, adapts it to the output rate and hands it
// to the scheduler. Malformed deltas are dropped.
func (s *Session) playAudio(ctx context.Context, sched *playback.Scheduler, ev s2s.Event) error {
	samples, err := audio.Decode(ev.Wire)
	if err != nil {
		s.codecErrors.Add(1)
		s.metrics.CodecErrors.Add(ctx, 1)
		s.logger().Warn("stream: dropping malformed audio delta", "err", err, "bytes", len(ev.Wire))
		return nil
	}

	rate, ok := audio.ParsePCMRate(ev.MIMEType)
	if !ok {
		rate = s.cfg.OutputSampleRate
	}
	frame := s.conv.Convert(audio.AudioFrame{
		Samples:    samples,
		SampleRate: rate,
		Channels:   1,
		Seq:        s.inSeq,
	})
	s.inSeq++

	buf, err := sched.Schedule(frame)
	switch {
	case err == nil:
		if buf.Duration > 0 {
			s.metrics.BuffersScheduled.Add(ctx, 1)
		}
		return nil
	case errors.Is(err, playback.ErrDeviceLost):
		return fmt.Errorf("stream: schedule: %w", err)
	case errors.Is(err, playback.ErrClosed):
		return nil
	default:
		s.logger().Warn("stream: audio delta not scheduled", "err", err, "seq", frame.Seq)
		return nil
	}
}

package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: channel downmix first, then resample, then upmix, so the
// resampler never processes more channels than necessary.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}
	if frame.SampleRate <= 0 || frame.Channels <= 0 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := frame.Samples
	channels := frame.Channels

	if channels == 2 && c.Target.Channels == 1 {
		samples = StereoToMono(samples)
		channels = 1
	}

	rate := frame.SampleRate
	if rate != c.Target.SampleRate {
		if channels == 1 {
			samples = ResampleMono(samples, rate, c.Target.SampleRate)
		} else {
			samples = ResampleStereo(samples, rate, c.Target.SampleRate)
		}
		rate = c.Target.SampleRate
	}

	if channels == 1 && c.Target.Channels == 2 {
		samples = MonoToStereo(samples)
		channels = 2
	}

	return AudioFrame{
		Samples:    samples,
		SampleRate: rate,
		Channels:   channels,
		Seq:        frame.Seq,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each interleaved L+R pair. A trailing unpaired sample
// is discarded.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 1 {
		return samples
	}
	srcSamples := len(samples)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResampleStereo resamples interleaved stereo samples from srcRate to dstRate
// using linear interpolation on each channel.
func ResampleStereo(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	srcFrames := len(samples) / 2
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		l0, r0 := samples[srcIdx*2], samples[srcIdx*2+1]
		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1, r1 = samples[(srcIdx+1)*2], samples[(srcIdx+1)*2+1]
		}

		out[i*2] = l0*(1-frac) + l1*frac
		out[i*2+1] = r0*(1-frac) + r1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

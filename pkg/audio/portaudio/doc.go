// Package portaudio implements [audio.CaptureDevice] on top of the PortAudio
// default input device.
//
// The adapter needs cgo and the PortAudio system library. Build with
// -tags noportaudio to replace it with a stub whose Acquire always fails with
// [audio.ErrDeviceUnavailable].
//
//	mic := portaudio.NewCapture()
//	stream, err := mic.Acquire(audio.Format{SampleRate: 16000, Channels: 1}, 4096)
package portaudio

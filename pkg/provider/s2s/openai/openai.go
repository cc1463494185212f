// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. The Realtime API speaks
// 24 kHz PCM16 in both directions; microphone frames at other rates are
// resampled before they are appended to the input buffer.
//
// Server-side voice activity detection drives barge-in: an
// input_audio_buffer.speech_started event is surfaced as
// [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and conn satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Conn = (*conn)(nil)

const (
	// Name is the registry name of this provider.
	Name = "openai-realtime"

	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// wireSampleRate is the only PCM16 rate the Realtime API accepts and emits.
	wireSampleRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe the microphone
// input. An empty string disables input transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithLogger sets the logger for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	log                *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		log:                slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return Name }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated. The whole handshake is bounded by cfg.HandshakeTimeout.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeoutOrDefault())
	defer hsCancel()

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	ws, _, err := websocket.Dial(hsCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrHandshakeFailed, err)
	}
	ws.SetReadLimit(16 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		log:    p.log,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    connCtx,
		cancel: connCancel,
	}

	if err := c.handshake(hsCtx, p.transcriptionModel, cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	go c.receiveLoop()

	p.log.Debug("openai: connected", "model", p.model)
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends session.update and waits for session.updated.
func (c *conn) handshake(ctx context.Context, transcriptionModel string, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}

	data, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return fmt.Errorf("openai: marshal session.update: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: send session.update: %w: %w", s2s.ErrHandshakeFailed, err)
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("openai: await session.updated: %w: %w", s2s.ErrHandshakeFailed, err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return fmt.Errorf("openai: session rejected: %s: %w", errorText(&evt), s2s.ErrHandshakeFailed)
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(fmt.Errorf("openai: read: %w: %w", s2s.ErrDisconnected, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn("openai: skipping malformed server event", "err", err)
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one server event. It returns false once the
// connection is shutting down.
func (c *conn) handleServerEvent(evt *serverEvent) bool {
	now := time.Now()
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(s2s.Event{
			Kind:     s2s.EventAudio,
			Wire:     []byte(evt.Delta),
			MIMEType: audio.PCMMIMEType(wireSampleRate),
			Received: now,
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: s2s.SpeakerRemote, Text: evt.Delta, Received: now})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return c.emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: s2s.SpeakerLocal, Text: evt.Transcript, Received: now})

	case "input_audio_buffer.speech_started":
		return c.emit(s2s.Event{Kind: s2s.EventInterrupted, Received: now})

	case "response.done":
		return c.emit(s2s.Event{Kind: s2s.EventTurnComplete, Received: now})

	case "error":
		return c.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s", errorText(evt)), Received: now})
	}
	return true
}

// emit delivers ev unless the connection is closing.
func (c *conn) emit(ev s2s.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func errorText(evt *serverEvent) string {
	if evt.Error != nil && evt.Error.Message != "" {
		return evt.Error.Message
	}
	return "unknown error"
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// ── s2s.Conn methods ───────────────────────────────────────────────────────────

// Send appends one encoded microphone frame to the input audio buffer,
// resampling it to 24 kHz first if necessary.
func (c *conn) Send(ctx context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("openai: connection closed: %w", s2s.ErrSendFailed)
	}

	wire := frame.Wire
	if frame.SampleRate != 0 && frame.SampleRate != wireSampleRate {
		samples, err := audio.Decode(frame.Wire)
		if err != nil {
			return fmt.Errorf("openai: frame %d: %w: %w", frame.Seq, s2s.ErrSendFailed, err)
		}
		wire = audio.Encode(audio.ResampleMono(samples, frame.SampleRate, wireSampleRate))
	}

	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: string(wire)}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("openai: send frame %d: %w: %w", frame.Seq, s2s.ErrSendFailed, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (c *conn) Events() <-chan s2s.Event { return c.events }

// Err returns the error that ended the connection, or nil for a clean close.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

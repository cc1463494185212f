// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; input
// and output transcription are enabled so that both speakers' words arrive as
// transcript events.
package gemini

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
	Name = "gemini-live"

	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// outputSampleRate is the fixed rate of Gemini Live audio responses.
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
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

// BaseURL returns the configured WebSocket base URL.
func (p *Provider) BaseURL() string { return p.baseURL }

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete. The whole handshake is bounded by cfg.HandshakeTimeout.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeoutOrDefault())
	defer hsCancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	ws, _, err := websocket.Dial(hsCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrHandshakeFailed, err)
	}
	// Audio deltas routinely exceed the 32 KiB default read limit.
	ws.SetReadLimit(16 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:        ws,
		log:       p.log,
		inputRate: cfg.InputSampleRate,
		events:    make(chan s2s.Event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    connCancel,
	}

	if err := c.handshake(hsCtx, p.model, cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	p.log.Debug("gemini: connected", "model", p.model)
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws        *websocket.Conn
	log       *slog.Logger
	inputRate int
	events    chan s2s.Event

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends the setup message and waits for setupComplete.
func (c *conn) handshake(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send setup: %w: %w", s2s.ErrHandshakeFailed, err)
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("gemini: await setupComplete: %w: %w", s2s.ErrHandshakeFailed, err)
		}
		var resp serverMessage
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("gemini: setup rejected: %s: %w", resp.Error.Message, s2s.ErrHandshakeFailed)
		}
		if resp.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Local Close or a normal closure by the remote end cleanly.
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(fmt.Errorf("gemini: read: %w: %w", s2s.ErrDisconnected, err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("gemini: skipping malformed server message", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage translates one server message into events. It returns
// false once the connection is shutting down.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	now := time.Now()

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		if !c.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: %s", text), Received: now}) {
			return false
		}
	}
	if msg.GoAway != nil {
		c.log.Warn("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	// Interruption first: audio in the same message belongs to the new turn.
	if sc.Interrupted {
		if !c.emit(s2s.Event{Kind: s2s.EventInterrupted, Received: now}) {
			return false
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: s2s.SpeakerLocal, Text: sc.InputTranscription.Text, Received: now}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			mime := p.InlineData.MIMEType
			if _, ok := audio.ParsePCMRate(mime); !ok {
				mime = audio.PCMMIMEType(outputSampleRate)
			}
			ev := s2s.Event{Kind: s2s.EventAudio, Wire: []byte(p.InlineData.Data), MIMEType: mime, Received: now}
			if !c.emit(ev) {
				return false
			}
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: s2s.SpeakerRemote, Text: sc.OutputTranscription.Text, Received: now}) {
			return false
		}
	}

	if sc.TurnComplete {
		if !c.emit(s2s.Event{Kind: s2s.EventTurnComplete, Received: now}) {
			return false
		}
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				c.log.Warn("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
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

// Send delivers one encoded microphone frame as a realtimeInput media chunk.
func (c *conn) Send(ctx context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini: connection closed: %w", s2s.ErrSendFailed)
	}

	rate := frame.SampleRate
	if rate == 0 {
		rate = c.inputRate
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: audio.PCMMIMEType(rate), Data: string(frame.Wire)},
			},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send frame %d: %w: %w", frame.Seq, s2s.ErrSendFailed, err)
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

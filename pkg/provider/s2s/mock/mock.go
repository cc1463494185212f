// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Conn. Use
// Conn to inject inbound events (Push), end the connection (Disconnect) and
// inspect the frames the code under test sent.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conn: conn}
//	c, _ := p.Connect(ctx, cfg)
//	conn.Push(s2s.Event{Kind: s2s.EventInterrupted})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Conn     = (*Conn)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Conn is returned by Connect. If nil, Connect returns a fresh [NewConn].
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name implements s2s.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Conn != nil {
		return p.Conn, nil
	}
	return NewConn(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Conn is a scripted s2s.Conn.
type Conn struct {
	events chan s2s.Event

	mu sync.Mutex

	// SendErr, if non-nil, is returned (wrapped in s2s.ErrSendFailed) by every
	// Send call.
	SendErr error

	sent     []audio.EncodedFrame
	sentCh   chan audio.EncodedFrame
	err      error
	closed   bool
	closeCnt int

	// pushMu orders Push against closing the events channel.
	pushMu  sync.Mutex
	endOnce sync.Once
	done    chan struct{}
}

// NewConn returns a Conn with a buffered events channel.
func NewConn() *Conn {
	return &Conn{
		events: make(chan s2s.Event, 64),
		sentCh: make(chan audio.EncodedFrame, 256),
		done:   make(chan struct{}),
	}
}

// Push delivers ev on the events channel. It returns false if the connection
// has already ended.
func (c *Conn) Push(ev s2s.Event) bool {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Disconnect ends the connection from the remote side. A nil err models a
// normal closure; a non-nil err is reported by Err wrapped in
// s2s.ErrDisconnected.
func (c *Conn) Disconnect(err error) {
	c.mu.Lock()
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("mock: %w: %w", s2s.ErrDisconnected, err)
	}
	c.mu.Unlock()
	c.end()
}

// Send implements s2s.Conn.
func (c *Conn) Send(ctx context.Context, frame audio.EncodedFrame) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mock: %w: %w", s2s.ErrSendFailed, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock: connection closed: %w", s2s.ErrSendFailed)
	}
	if c.SendErr != nil {
		return fmt.Errorf("mock: %w: %w", s2s.ErrSendFailed, c.SendErr)
	}
	c.sent = append(c.sent, frame)
	select {
	case c.sentCh <- frame:
	default:
	}
	return nil
}

// Sent returns a copy of every frame accepted by Send.
func (c *Conn) Sent() []audio.EncodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedFrame(nil), c.sent...)
}

// SentCh receives every frame accepted by Send (best effort; up to 256 are
// buffered).
func (c *Conn) SentCh() <-chan audio.EncodedFrame { return c.sentCh }

// Events implements s2s.Conn.
func (c *Conn) Events() <-chan s2s.Event { return c.events }

// Err implements s2s.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements s2s.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCnt++
	c.closed = true
	c.mu.Unlock()
	c.end()
	return nil
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCnt
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// end closes the events channel exactly once.
func (c *Conn) end() {
	c.endOnce.Do(func() {
		close(c.done)
		c.pushMu.Lock()
		close(c.events)
		c.pushMu.Unlock()
	})
}

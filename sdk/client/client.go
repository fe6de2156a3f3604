// Package client connects a participant to an experiment server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/protocol"
)

// ErrNotConnected is returned before Connect succeeds.
var ErrNotConnected = errors.New("not connected")

// Response is what a handler wants sent back. The zero value sends nothing.
type Response struct {
	Submit  map[string]float64
	Advance bool
}

// Handler reacts to server messages.
type Handler interface {
	// OnStage is called whenever the participant's page changes.
	OnStage(state *State, stage protocol.Stage) (Response, error)

	// OnRejected is called when a submission failed validation.
	OnRejected(state *State, rejected protocol.Rejected) (Response, error)

	// OnSessionComplete is called once at the end (return io.EOF to exit).
	OnSessionComplete(state *State, summary experiment.Summary) error
}

// State tracks what the participant has seen so far.
type State struct {
	PlayerID   int
	SessionID  string
	Population int
	Round      int
	Stage      experiment.Stage
	Current    protocol.Stage
	Feedback   []experiment.FeedbackVars
	Rejections int
}

// Client is a websocket participant.
type Client struct {
	name    string
	logger  zerolog.Logger
	handler Handler

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
}

// New creates a client that joins as name.
func New(name string, handler Handler, logger zerolog.Logger) *Client {
	return &Client{
		name:    name,
		logger:  logger.With().Str("participant", name).Logger(),
		handler: handler,
	}
}

// Connect dials the server and sends the join message.
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return c.send(protocol.TypeJoin, protocol.Join{Name: c.name})
}

// Name returns the join name.
func (c *Client) Name() string {
	return c.name
}

// State returns a copy of the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit sends decision values keyed by field name.
func (c *Client) Submit(values map[string]float64) error {
	return c.send(protocol.TypeSubmit, protocol.Submit{Values: values})
}

// Advance leaves the current feedback page.
func (c *Client) Advance() error {
	return c.send(protocol.TypeAdvance, protocol.Advance{})
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
	return err
}

func (c *Client) send(t protocol.MessageType, data any) error {
	msg, err := protocol.NewMessage(t, data, time.Now())
	if err != nil {
		return err
	}
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run reads messages until the session completes, the connection closes or
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return nil
			}
			return err
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed message")
			continue
		}
		if err := c.handle(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		if err := msg.Decode(&w); err != nil {
			return err
		}
		c.mu.Lock()
		c.state.PlayerID = w.PlayerID
		c.state.Population = w.Population
		if w.SessionID != "" {
			c.state.SessionID = w.SessionID
		}
		c.mu.Unlock()
		c.logger.Info().Int("player", w.PlayerID).Int("joined", w.Joined).Int("population", w.Population).Msg("Joined")
		return nil

	case protocol.TypeStage:
		var st protocol.Stage
		if err := msg.Decode(&st); err != nil {
			return err
		}
		state := c.updateStage(st)
		resp, err := c.handler.OnStage(&state, st)
		if err != nil {
			return err
		}
		return c.respond(resp)

	case protocol.TypeRejected:
		var r protocol.Rejected
		if err := msg.Decode(&r); err != nil {
			return err
		}
		c.mu.Lock()
		c.state.Rejections++
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Str("field", r.Field).Str("reason", r.Reason).Msg("Submission rejected")
		resp, err := c.handler.OnRejected(&state, r)
		if err != nil {
			return err
		}
		return c.respond(resp)

	case protocol.TypeSessionComplete:
		var sc protocol.SessionComplete
		if err := msg.Decode(&sc); err != nil {
			return err
		}
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if err := c.handler.OnSessionComplete(&state, sc.Summary); err != nil {
			return err
		}
		return io.EOF

	case protocol.TypeError:
		var e protocol.Error
		if err := msg.Decode(&e); err != nil {
			return err
		}
		c.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Server error")
		if e.Code == protocol.CodeSessionFull || e.Code == protocol.CodeAlreadyJoined {
			return fmt.Errorf("join rejected: %s", e.Message)
		}
		return nil
	}
	c.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
	return nil
}

func (c *Client) updateStage(st protocol.Stage) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Round = st.Round
	c.state.Stage = st.Stage
	c.state.Current = st
	if st.Feedback != nil {
		c.state.Feedback = append(c.state.Feedback, *st.Feedback)
	}
	return c.state
}

func (c *Client) respond(resp Response) error {
	switch {
	case resp.Submit != nil:
		return c.Submit(resp.Submit)
	case resp.Advance:
		return c.Advance()
	}
	return nil
}

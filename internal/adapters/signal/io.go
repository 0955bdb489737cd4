package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsSignalConn is one client channel. It implements core.SignalConnection.
type wsSignalConn struct {
	conn WSConn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	// discard skips the final flush of queued frames.
	discard bool

	// onBackpressure runs on its own goroutine when a frame does not fit the queue.
	onBackpressure func()

	// Written by the read loop only, under mu.
	id          domain.ClientID
	roomLimiter *rate.Limiter
	log         zerolog.Logger
}

func newWSSignalConn(conn WSConn, buffer int, roomLimiter *rate.Limiter) *wsSignalConn {
	return &wsSignalConn{
		conn:        conn,
		send:        make(chan core.Frame, buffer),
		done:        make(chan struct{}),
		roomLimiter: roomLimiter,
		log:         log.With().Str("module", "signal").Logger(),
	}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		if c.onBackpressure != nil {
			go c.onBackpressure()
		}
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and then closes
// the socket.
func (c *wsSignalConn) Close() { c.close(false) }

// abort closes the socket at once and drops queued frames.
func (c *wsSignalConn) abort() { c.close(true) }

func (c *wsSignalConn) close(discard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.discard = discard
	close(c.done)
	if discard {
		_ = c.conn.Close()
	}
}

func (c *wsSignalConn) discarding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discard
}

func (c *wsSignalConn) setID(id domain.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.log = c.log.With().Str("client_id", id.String()).Logger()
}

// identity is for goroutines other than the read loop.
func (c *wsSignalConn) identity() (domain.ClientID, zerolog.Logger) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id, c.log
}

func (c *wsSignalConn) logger() *zerolog.Logger {
	_, l := c.identity()
	return &l
}

// writePump is the only writer of the channel. It drains queued frames in order and
// keeps the connection alive with pings.
func (s *Server) writePump(c *wsSignalConn) {
	var tick <-chan time.Time
	if s.opts.PingPeriod > 0 {
		ticker := time.NewTicker(s.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		c.Close()
		_ = c.conn.Close()
	}()

	write := func(mt int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
		return c.conn.WriteMessage(mt, data)
	}

	for {
		select {
		case <-c.done:
			s.flush(c, write)
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.logger().Error().Err(err).Msg("writePump write error")
				return
			}
		case <-tick:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.logger().Warn().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

// flush writes the frames queued before the channel closed. TrySend refuses new frames
// once closed, so the queue only shrinks here.
func (s *Server) flush(c *wsSignalConn, write func(int, []byte) error) {
	if c.discarding() {
		return
	}
	for {
		select {
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.logger().Debug().Err(err).Msg("flush stopped")
				return
			}
		default:
			return
		}
	}
}

// readPump handles messages strictly in arrival order. When it exits the client is
// torn down exactly once and the channel leaves the registry.
func (s *Server) readPump(c *wsSignalConn) {
	defer func() {
		if c.id != "" {
			s.media.RemoveClient(c.id)
		}
		s.remove(c)
		c.Close()
		c.log.Info().Msg("readPump closing")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("readPump read error")
			} else {
				c.log.Debug().Err(err).Msg("readPump done")
			}
			return
		}
		if !s.dispatch(c, data) {
			return
		}
	}
}

// dispatch handles one message; it reports false when the handler panicked.
func (s *Server) dispatch(c *wsSignalConn, data []byte) bool {
	var pc panics.Catcher
	pc.Try(func() { s.handleSignal(c, data) })
	if r := pc.Recovered(); r != nil {
		c.log.Error().Err(r.AsError()).Str("stack", string(r.Stack)).Msg("signal handler panicked, dropping client")
		return false
	}
	return true
}

func (s *Server) handleSignal(c *wsSignalConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return
	}
	if env.Type != protocol.TypeConnect && env.ClientID != "" && c.id != "" && env.ClientID != c.id.String() {
		c.log.Warn().Str("type", env.Type).Str("claimed", env.ClientID).Msg("client_id does not match channel, ignored")
		return
	}

	switch env.Type {
	case protocol.TypeConnect:
		s.handleConnect(c)
	case protocol.TypeNewRoom:
		s.handleNewRoom(c, data)
	case protocol.TypeJoin:
		s.handleJoin(c, data)
	case protocol.TypeLeft:
		s.handleLeft(c, data)
	case protocol.TypeOffer:
		s.handleOffer(c, data)
	case protocol.TypeAnswer:
		s.handleAnswer(c, data)
	case protocol.TypeICE:
		s.handleICE(c, data)
	case protocol.TypePing:
		s.handlePing(c)
	default:
		c.log.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (s *Server) sendJSON(c *wsSignalConn, v any) {
	f, err := protocol.Encode(v)
	if err != nil {
		c.log.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(f); err != nil {
		c.log.Warn().Err(err).Msg("sendJSON dropped")
	}
}

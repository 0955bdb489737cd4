// Package signal serves the JSON signaling protocol over websocket channels.
package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
)

// Rooms is the room membership the signaling server drives.
type Rooms interface {
	List() []domain.RoomName
	Create(name domain.RoomName) error
	Join(name domain.RoomName, ms core.MemberSession) error
	Leave(id domain.ClientID, names ...domain.RoomName) error
}

// Media is the relay engine the signaling server drives.
type Media interface {
	Register(id domain.ClientID, signal core.SignalConnection) error
	Member(id domain.ClientID) (core.MemberSession, bool)
	Offer(id domain.ClientID, sdp string) (string, error)
	SetAnswer(id domain.ClientID, sdp string) error
	ICE(id domain.ClientID, candidate json.RawMessage) error
	RemoveClient(id domain.ClientID) bool
	HasRoommateTracks(id domain.ClientID) bool
	CatchUp(id domain.ClientID)
	MarkJoined(id domain.ClientID)
	Prune(id domain.ClientID)
}

type Options struct {
	SendBuffer   int
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	// RoomRate and RoomBurst limit new_room requests per channel.
	RoomRate  rate.Limit
	RoomBurst int
	// Policy handles full outbound queues; nil means KickPolicy.
	Policy Policy
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		ReadLimit:    1 << 20,
		PingPeriod:   30 * time.Second,
		WriteTimeout: 5 * time.Second,
		RoomRate:     rate.Every(time.Second),
		RoomBurst:    5,
	}
}

// Server owns every active signaling channel of the process.
type Server struct {
	rooms Rooms
	media Media
	opts  Options

	mu       sync.Mutex
	channels map[*wsSignalConn]struct{}

	wg conc.WaitGroup
}

func NewServer(rooms Rooms, media Media, opts Options) *Server {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.RoomRate == 0 {
		opts.RoomRate = def.RoomRate
	}
	if opts.RoomBurst <= 0 {
		opts.RoomBurst = def.RoomBurst
	}
	if opts.Policy == nil {
		opts.Policy = KickPolicy{}
	}
	return &Server{
		rooms:    rooms,
		media:    media,
		opts:     opts,
		channels: make(map[*wsSignalConn]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and serves the channel until it closes.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}
	if s.opts.PingPeriod > 0 {
		pongWait := s.opts.PingPeriod * 2
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	log.Info().Str("module", "signal").Str("remote", c.Request.RemoteAddr).Msg("new WS connection")
	s.Serve(ws)
}

// Serve runs the read loop of one channel. It returns when the channel is closed.
func (s *Server) Serve(ws WSConn) {
	c := newWSSignalConn(ws, s.opts.SendBuffer, rate.NewLimiter(s.opts.RoomRate, s.opts.RoomBurst))
	c.onBackpressure = func() {
		id, logger := c.identity()
		if s.opts.Policy.OnBackpressure(id) == KickClient {
			logger.Warn().Msg("outbound queue full, dropping client")
			c.abort()
		}
	}
	s.add(c)
	s.wg.Go(func() { s.writePump(c) })
	s.readPump(c)
}

// Channels returns the number of open channels.
func (s *Server) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Shutdown closes every channel and waits for their writers to stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	open := make([]*wsSignalConn, 0, len(s.channels))
	for c := range s.channels {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.Close()
	}
	s.wg.Wait()
	log.Info().Str("module", "signal").Int("channels", len(open)).Msg("signal server stopped")
}

func (s *Server) add(c *wsSignalConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c] = struct{}{}
}

func (s *Server) remove(c *wsSignalConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, c)
}

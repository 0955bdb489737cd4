// Package rtc implements the media engine on top of pion/webrtc.
package rtc

import (
	"fmt"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

type Config struct {
	ICEServers []string
	// UDPPortMin and UDPPortMax bound the ephemeral ICE ports when both are set.
	UDPPortMin uint16
	UDPPortMax uint16
}

// Engine creates pion peer connections sharing one API instance.
type Engine struct {
	api *webrtc.API
	pc  webrtc.Configuration
}

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	// Periodic keyframe requests towards publishers so late subscribers recover quickly.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	servers := cfg.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}
	var ice []webrtc.ICEServer
	if len(servers) > 0 {
		ice = []webrtc.ICEServer{{URLs: servers}}
	}

	log.Info().
		Str("module", "rtc").
		Strs("ice_servers", servers).
		Uint16("udp_port_min", cfg.UDPPortMin).
		Uint16("udp_port_max", cfg.UDPPortMax).
		Msg("media engine ready")

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		pc: webrtc.Configuration{ICEServers: ice},
	}, nil
}

func (e *Engine) NewSession(id domain.ClientID) (core.MediaSession, error) {
	c, err := NewConnection(e.api, e.pc, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

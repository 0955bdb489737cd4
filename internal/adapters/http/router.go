package http

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dkeye/roomsfu/internal/config"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RoomAPI is the room directory exposed over REST.
type RoomAPI interface {
	List() []domain.RoomName
	Create(name domain.RoomName) error
	Members(name domain.RoomName) ([]domain.ClientID, error)
}

type Deps struct {
	Rooms RoomAPI
	// Signal serves the websocket signaling endpoint.
	Signal gin.HandlerFunc
	// Clients reports the number of connected clients for /healthz.
	Clients func() int
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if st, err := os.Stat(cfg.StaticPath); err == nil && st.IsDir() {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(filepath.Join(cfg.StaticPath, "index.html"))
		})
	} else {
		log.Warn().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("static path missing, web client not served")
	}

	r.GET("/healthz", func(c *gin.Context) {
		clients := 0
		if deps.Clients != nil {
			clients = deps.Clients()
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": clients, "rooms": len(deps.Rooms.List())})
	})

	api := r.Group("/api")
	api.GET("/ws/signal", deps.Signal)

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Rooms.List()})
	})

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		name, err := domain.NewRoomName(req.Name)
		if err == nil {
			err = deps.Rooms.Create(name)
		}
		switch {
		case errors.Is(err, domain.ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
		case errors.Is(err, domain.ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": "room already exists"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			log.Info().Str("module", "adapters.http").Str("room", string(name)).Msg("room created over REST")
			c.JSON(http.StatusCreated, gin.H{"rooms": deps.Rooms.List()})
		}
	})

	api.GET("/rooms/:name/members", func(c *gin.Context) {
		ids, err := deps.Rooms.Members(domain.RoomName(c.Param("name")))
		if errors.Is(err, domain.ErrNoSuchRoom) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room does not exist"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": ids})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}

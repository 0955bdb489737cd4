package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	router "github.com/dkeye/roomsfu/internal/adapters/http"
	"github.com/dkeye/roomsfu/internal/adapters/rtc"
	"github.com/dkeye/roomsfu/internal/adapters/signal"
	"github.com/dkeye/roomsfu/internal/app"
	"github.com/dkeye/roomsfu/internal/app/sfu"
	"github.com/dkeye/roomsfu/internal/config"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "roomsfu",
		Short:         "Room based WebRTC selective forwarding unit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			if err := run(cmd.Context(), v, cfg); err != nil {
				log.Error().Err(err).Msg("server error")
				return err
			}
			return nil
		},
	}
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, cfg *config.Config) error {
	if err := config.ApplyLogLevel(cfg.LogLevel); err != nil {
		log.Warn().Err(err).Msg("keeping default log level")
	}
	if cfg.Mode == "release" {
		// JSON lines in production.
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	config.Watch(v, cfg, func(next *config.Config) {
		if err := config.ApplyLogLevel(next.LogLevel); err != nil {
			log.Warn().Err(err).Msg("log level not changed")
		}
	})

	engine, err := rtc.NewEngine(rtc.Config{
		ICEServers: cfg.ICEServers,
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	rooms := app.NewRoomManager()
	media := sfu.NewMediaManager(engine, rooms, sfu.Options{
		RenegotiateDelay: cfg.RenegotiateDelay,
		GatherTimeout:    cfg.ICEGatherTimeout,
	})
	signals := signal.NewServer(rooms, media, signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		RoomRate:     rate.Limit(cfg.RoomRate),
		RoomBurst:    cfg.RoomBurst,
	})

	r := router.SetupRouter(cfg, router.Deps{
		Rooms:   rooms,
		Signal:  signals.HandleWS,
		Clients: media.Count,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("SFU server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		signals.Shutdown()
		media.Close()
		log.Info().Msg("Server exited gracefully")
		return nil
	})
	return g.Wait()
}

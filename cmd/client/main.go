// Command client is a headless call client: it connects to the relay,
// captures local devices through pion, and drives the call engine from
// command-line flags. Useful for soak-testing a deployment without a
// browser.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/parley-im/parley/internal/adapter/driven/gateway/wsclient"
	"github.com/parley-im/parley/internal/adapter/driven/media/pion"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/service"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to JSON config file")
		serverURL  = pflag.String("server", "ws://localhost:8080/ws", "relay websocket URL")
		userFlag   = pflag.String("user", "", "user id (uuid); random when empty")
		username   = pflag.String("username", "", "display name")
		callTarget = pflag.String("call", "", "user id to call on startup")
		video      = pflag.Bool("video", false, "request camera for the outgoing call")
		autoAnswer = pflag.Bool("auto-answer", false, "accept incoming invites automatically")
		share      = pflag.Bool("share", false, "start sharing the screen on startup")
	)
	pflag.Parse()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	self := domain.NewUserID()
	if *userFlag != "" {
		if self, err = domain.ParseUserID(*userFlag); err != nil {
			l.Fatal().Err(err).Msg("Invalid --user id")
		}
	}
	name := *username
	if name == "" {
		name = self.String()[:8]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gw, err := wsclient.Dial(ctx, *serverURL, self, name, l)
	cancel()
	if err != nil {
		l.Fatal().Err(err).Str("server", *serverURL).Msg("Failed to connect to relay")
	}

	media, err := pion.NewEngine(pion.Options{ICEServers: cfg.ICE.Servers}, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to build media engine")
	}

	engine := service.NewCallEngine(self, name, media, gw, service.Options{
		RingTimeout:  cfg.Call.RingTimeout(),
		ReofferDelay: cfg.Call.ReofferDelay(),
	}, l)

	watchEngine(engine, *autoAnswer, l)

	if *callTarget != "" {
		target, err := domain.ParseUserID(*callTarget)
		if err != nil {
			l.Fatal().Err(err).Msg("Invalid --call id")
		}
		if err := engine.StartCall(context.Background(), target, target.String()[:8], *video); err != nil {
			l.Fatal().Err(err).Msg("Failed to start call")
		}
	}
	if *share {
		if err := engine.StartSharing(context.Background()); err != nil {
			l.Fatal().Err(err).Msg("Failed to start screen share")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	l.Info().Msg("Shutting down...")
	engine.Close()
	_ = gw.Close()
}

// watchEngine logs every observable transition so the terminal shows the
// same state a UI would render.
func watchEngine(engine *service.CallEngine, autoAnswer bool, l zerolog.Logger) {
	engine.IncomingCall.Subscribe(func(invite *domain.CallInvite) {
		if invite == nil {
			return
		}
		l.Info().
			Str("from", invite.From.String()).
			Str("username", invite.FromUsername).
			Bool("video", invite.Video).
			Msg("Incoming call")
		if autoAnswer {
			go func() {
				if err := engine.AnswerCall(context.Background()); err != nil {
					l.Error().Err(err).Msg("Auto-answer failed")
				}
			}()
		}
	})

	engine.IsInCall.Subscribe(func(in bool) {
		l.Info().Bool("in_call", in).Msg("Call state")
	})

	engine.ConnState.Subscribe(func(state domain.ConnectionState) {
		l.Info().Str("state", string(state)).Msg("Connection state")
	})

	engine.ActiveCalls.Subscribe(func(calls []service.ActiveCall) {
		for _, c := range calls {
			l.Info().
				Str("peer", c.Peer.String()).
				Str("username", c.Username).
				Int("tracks", len(c.RemoteTracks)).
				Msg("Active call")
		}
	})

	engine.ScreenShares.Subscribe(func(shares []service.ScreenShare) {
		for _, s := range shares {
			l.Info().
				Str("peer", s.Peer.String()).
				Str("username", s.Username).
				Str("direction", string(s.Direction)).
				Int("tracks", len(s.RemoteTracks)).
				Msg("Screen share")
		}
	})

	engine.IsSharing.Subscribe(func(sharing bool) {
		l.Info().Bool("sharing", sharing).Msg("Share state")
	})
}

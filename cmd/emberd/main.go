// emberd is the self-hosted GameStream host process: it loads the
// persisted config, wires the event bus and every component that
// subscribes to it, and serves the HTTP(S) pairing/control surface
// alongside a dedicated RTSP listener.
//
// Startup/shutdown sequencing is grounded on the teacher's
// cmd/hydra/main.go: zerolog console output configured from a log
// level flag/env var, then signal.Notify-driven graceful shutdown.
package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	hostconfig "github.com/embercast/ember/pkg/config"
	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/httpapi"
	"github.com/embercast/ember/pkg/pairing"
	"github.com/embercast/ember/pkg/rtsp"
	"github.com/embercast/ember/pkg/session"
)

func main() {
	cfg, err := hostconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load host configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("config_path", cfg.ConfigPath).
		Int("https_port", cfg.HTTPSPort).
		Int("rtsp_port", cfg.RTSPPort).
		Msg("starting emberd")

	store, err := configstore.LoadOrDefault(cfg.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config store")
	}

	bus := eventbus.New()
	registry := session.NewRegistry(bus, store)

	snapshot := store.Snapshot()
	machine := pairing.New(bus, snapshot.HostCertificate(), snapshot.HostPrivateKey(), store.Pair)
	defer machine.Stop()

	negotiator := rtsp.New(registry)

	rtspListener, err := net.Listen("tcp", portAddr(cfg.RTSPPort))
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.RTSPPort).Msg("failed to bind RTSP listener")
	}
	go func() {
		if err := httpapi.ServeRTSP(rtspListener, negotiator); err != nil {
			log.Warn().Err(err).Msg("RTSP listener stopped")
		}
	}()

	apiServer := httpapi.New(store, machine, registry, cfg.AdvertiseHost, cfg.HTTPSPort, cfg.RTSPPort)
	httpsServer := &http.Server{
		Addr:      portAddr(cfg.HTTPSPort),
		Handler:   apiServer,
		TLSConfig: hostTLSConfig(snapshot),
	}
	httpServer := &http.Server{
		Addr:    portAddr(cfg.HTTPPort),
		Handler: apiServer,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info().Str("addr", httpsServer.Addr).Msg("serving HTTPS pairing/launch surface")
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTPS server stopped unexpectedly")
		}
	}()

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("serving unauthenticated HTTP surface (serverinfo)")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down emberd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = httpsServer.Shutdown(shutdownCtx)
	_ = rtspListener.Close()
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// hostTLSConfig builds the mutual-TLS listener config the pairing and
// launch handlers assume: the host presents its self-signed identity
// and requests (but does not require) a client certificate, since
// /serverinfo and the early /pair phases are reachable before a client
// has one. Verification beyond presence is done by the handlers
// themselves via configstore.Store.GetClientViaSSL.
func hostTLSConfig(cfg *ember.Config) *tls.Config {
	cert := cfg.HostCertificate()
	key := cfg.HostPrivateKey()
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
		}},
		ClientAuth: tls.RequestClientCert,
	}
}

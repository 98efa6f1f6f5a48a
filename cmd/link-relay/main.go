package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeta-mv/link-relay/internal/config"
	"github.com/zeta-mv/link-relay/internal/enrich"
	"github.com/zeta-mv/link-relay/internal/fragment"
	"github.com/zeta-mv/link-relay/internal/httpserver"
	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/peer"
	"github.com/zeta-mv/link-relay/internal/proxyfetch"
	"github.com/zeta-mv/link-relay/internal/rendezvous"
	"github.com/zeta-mv/link-relay/internal/room"
	"github.com/zeta-mv/link-relay/internal/sandbox"
	"github.com/zeta-mv/link-relay/internal/signaling"
	"github.com/zeta-mv/link-relay/internal/storage"
)

const serverVersion = "4.1"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting link-relay",
		"version", serverVersion,
		"mode", cfg.Mode,
		"admin_listen_addr", cfg.AdminListenAddr,
		"turn_listen_addr", cfg.TURNListenAddr,
		"ws_listen_addr", cfg.WSListenAddr,
		"storage_root", cfg.StorageRoot,
		"mailbox_configured", cfg.MailboxBaseURL != "",
		"enrichment_configured", cfg.EnrichmentLookupURL != "",
		"shutdown_password_set", cfg.GlobalPassword != "",
	)

	m := metrics.New()

	files, err := storage.NewFiles(cfg.StorageRoot)
	if err != nil {
		logger.Error("failed to open project storage", "err", err)
		os.Exit(1)
	}
	boltDB, err := bolt.Open(filepath.Join(cfg.StorageRoot, "link-relay.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer boltDB.Close()
	db, err := storage.NewDB(boltDB, cfg.RoomKVMaxValueBytes)
	if err != nil {
		logger.Error("failed to initialize database", "err", err)
		os.Exit(1)
	}

	geoCache, err := enrich.NewCache(boltDB, &enrich.HTTPLookup{
		BaseURL: cfg.EnrichmentLookupURL,
		Token:   cfg.EnrichmentLookupToken,
	}, nil, logger.With("component", "enrich"))
	if err != nil {
		logger.Error("failed to initialize enrichment cache", "err", err)
		os.Exit(1)
	}

	// The mailbox and the proxied profile APIs live on the same third-party
	// host.
	fetcher := &proxyfetch.Client{Routes: proxyfetch.DefaultRoutes(cfg.MailboxBaseURL)}

	publisher, err := rendezvous.NewPublisher(
		&rendezvous.DocumentClient{
			BaseURL:    cfg.MailboxBaseURL,
			Title:      cfg.MailboxDocumentTitle,
			AuthCookie: cfg.MailboxAuthCookie,
		},
		&rendezvous.FileIDStore{Path: filepath.Join(cfg.StorageRoot, cfg.MailboxIDFile)},
		nil, nil,
		cfg.PublishMinInterval, cfg.MailboxUpdateTimeout,
		m, logger.With("component", "rendezvous"),
	)
	if err != nil {
		logger.Error("failed to initialize rendezvous publisher", "err", err)
		os.Exit(1)
	}

	rooms := room.NewManager(room.Deps{
		Runner: &sandbox.ExecRunner{
			Command: sandbox.ParseCommand(cfg.SandboxCommand),
			Log:     logger.With("component", "sandbox"),
		},
		Projects:          files,
		KV:                db,
		Fetcher:           fetcher,
		Metrics:           m,
		Log:               logger.With("component", "room"),
		DefaultMaxPlayers: cfg.DefaultMaxPlayers,
		OutputCeiling:     cfg.RoomOutputCeiling,
		OutputQuietReset:  cfg.RoomOutputQuietReset,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	peerEnv := &peer.Env{
		Sessions:         peer.NewRegistry(),
		Rooms:            rooms,
		Store:            files,
		Profiles:         db,
		Geo:              geoCache,
		Metrics:          m,
		Log:              logger.With("component", "peer"),
		Version:          serverVersion,
		ShutdownPassword: cfg.GlobalPassword,
		Shutdown:         cancel,
		FramesPerSecond:  int64(cfg.MaxFramesPerSecond),
	}

	agent := &signaling.Agent{
		ICEServers:    signaling.ICEServersFromURLs(cfg.STUNURLs),
		GatherTimeout: cfg.ICEGatherTimeout,
		Log:           logger.With("component", "signaling"),
	}
	coordinator := signaling.NewCoordinator(agent, publisher, nil, m, logger.With("component", "signaling"))
	coordinator.Enrich = geoCache.Warm
	coordinator.OnConnect = func(sess *signaling.Session, ch signaling.Channel) {
		s := peer.NewSession(peerEnv, ch, sess.RemoteIP)
		sess.UID = s.UID()
	}

	store := fragment.NewStore(nil, cfg.FragmentIdleTimeout, m,
		logger.With("component", "fragment"), coordinator.HandleOffer)

	turnIngress, err := signaling.NewTURNIngress(cfg, store, logger.With("component", "turn"))
	if err != nil {
		logger.Error("failed to start covert ingress", "err", err)
		os.Exit(1)
	}
	defer turnIngress.Close()

	var wsSrv *http.Server
	if cfg.WSListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/fragments", signaling.NewWSIngress(store, logger.With("component", "ws-ingress")))
		wsSrv = &http.Server{
			Addr:              cfg.WSListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("fragment websocket ingress serving", "addr", cfg.WSListenAddr)
			if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket ingress exited", "err", err)
			}
		}()
	}

	srv := httpserver.New(cfg, logger.With("component", "admin"), m, rooms, coordinator)
	ln, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.AdminListenAddr, "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("admin server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "err", err)
	}
	if wsSrv != nil {
		if err := wsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("websocket ingress shutdown failed", "err", err)
		}
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("admin server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

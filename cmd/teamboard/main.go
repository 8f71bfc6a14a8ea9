// Teamboard coordination server.
// One process: SQLite persistence, the engine services, the watchdog
// loops, and the HTTP/JSON surface agents talk to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/teamboard/internal/assign"
	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bridge"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/httpapi"
	"github.com/jaakkos/teamboard/internal/mirror"
	"github.com/jaakkos/teamboard/internal/presence"
	"github.com/jaakkos/teamboard/internal/repository/sqlite"
	"github.com/jaakkos/teamboard/internal/watchdog"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("teamboard " + Version)
			return
		}
	}

	logger := log.New(os.Stderr, "[teamboard] ", log.LstdFlags)
	cfg := config.Load()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Warning: close store: %v", err)
		}
	}()
	logger.Printf("Store: %s", cfg.DBPath)

	roles, err := config.LoadRegistry(cfg.RolesPath)
	if err != nil {
		logger.Fatalf("Roles: %v", err)
	}
	logger.Printf("Roles: %s (%d agents)", cfg.RolesPath, len(roles.Names()))

	eventBus := bus.New(logger)

	tasks := board.New(store, eventBus, roles, logger,
		board.WithProduction(cfg.Production),
		board.WithCommentsChannel(cfg.Chat.CommentsChannel))
	chatSvc := chat.New(store, eventBus, cfg.Chat, logger)
	pres := presence.New(store, store, eventBus, logger)
	mentions := presence.NewMentionTracker(store, store, logger)
	engine := assign.New(roles, store, cfg.Bridge)
	bridgeSvc := bridge.New(store, store, tasks, engine, eventBus, cfg.Bridge, logger)
	detector := chat.NewApprovalDetector(tasks, logger)

	// Inline listeners run synchronously on publish, in registration
	// order: approvals resolve before the mention ledger reads the
	// message, and the bridge sees insights the moment they land.
	eventBus.Listen("approval-detector", detector.OnEvent)
	eventBus.Listen("mention-ack", mentions.OnEvent)
	eventBus.Listen("insight-bridge", bridgeSvc.OnEvent)

	artifacts := mirror.New(cfg.Workspace, logger)
	tasks.SetNotifier(chatSvc)
	tasks.SetMirror(artifacts)

	bundles := mirror.NewBundleBuilder(tasks, nil, logger)

	dog := watchdog.New(tasks, chatSvc, pres, mentions, engine, store, store,
		roles, cfg.BoardHealth, cfg.QuietHours, logger)

	// Pick up insights that were promoted while the server was down.
	if n, err := bridgeSvc.CatchUp(); err != nil {
		logger.Printf("Warning: bridge catch-up: %v", err)
	} else if n > 0 {
		logger.Printf("Bridge: processed %d pending insight(s) on startup", n)
	}

	srv := httpapi.New(httpapi.Deps{
		Tasks:       tasks,
		Chat:        chatSvc,
		Presence:    pres,
		Mentions:    mentions,
		Bus:         eventBus,
		Watchdog:    dog,
		Bridge:      bridgeSvc,
		Bundles:     bundles,
		Mirror:      artifacts,
		Store:       store,
		Roles:       roles,
		Health:      cfg.BoardHealth,
		Logger:      logger,
		BatchWindow: cfg.SSEBatchWindow,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	signal.Ignore(syscall.SIGHUP)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("HTTP server on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		roles.Watch(ctx, logger)
		return nil
	})
	g.Go(func() error {
		return ignoreCancelled(dog.Start(ctx))
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := chatSvc.Prune(); err != nil {
					logger.Printf("Warning: chat prune: %v", err)
				} else if n > 0 {
					logger.Printf("Chat: pruned %d message(s)", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("Server stopped")
}

func ignoreCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

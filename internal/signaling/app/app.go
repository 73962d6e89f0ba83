package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sebas/patchbay/internal/signaling/api"
	"github.com/sebas/patchbay/internal/signaling/calllog"
	"github.com/sebas/patchbay/internal/signaling/config"
	"github.com/sebas/patchbay/internal/signaling/occupancy"
	"github.com/sebas/patchbay/internal/signaling/presence"
	"github.com/sebas/patchbay/internal/signaling/router"
	"github.com/sebas/patchbay/internal/signaling/transport"
)

// Patchbay assembles the signaling server: presence registry, occupancy
// tracker, call log, message router, WebSocket hub and HTTP API.
type Patchbay struct {
	config    *config.Config
	registry  *presence.Registry
	tracker   *occupancy.Tracker
	callLog   *calllog.Store
	router    *router.Router
	hub       *transport.Hub
	apiServer *api.Server
}

func NewServer(cfg *config.Config) (*Patchbay, error) {
	registry := presence.NewRegistry()

	tracker := occupancy.NewTracker(occupancy.Config{
		MaxCallDuration: cfg.MaxCallDuration,
		SweepInterval:   cfg.SweepInterval,
	})

	// Call log is optional; signaling works the same without it.
	var callLog *calllog.Store
	var recorder router.CallRecorder = calllog.Noop{}
	var history api.HistoryProvider
	if cfg.CallLogPath != "" {
		store, err := calllog.Open(cfg.CallLogPath)
		if err != nil {
			tracker.Close()
			return nil, fmt.Errorf("opening call log: %w", err)
		}
		callLog = store
		recorder = store
		history = store
		slog.Info("Call log opened", "path", cfg.CallLogPath)
	} else {
		slog.Info("Call log disabled")
	}

	hub := transport.NewHub()

	rt := router.New(router.Config{
		Registry:     registry,
		Tracker:      tracker,
		Sender:       hub,
		Recorder:     recorder,
		BusyDebounce: cfg.BusyDebounce,
	})
	hub.SetHandler(rt)

	listenAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	apiServer := api.NewServer(listenAddr, http.HandlerFunc(hub.ServeWS), registry, tracker, history, hub)

	slog.Info("Configuration", "port", cfg.Port, "bind", cfg.BindAddr,
		"maxCallDuration", cfg.MaxCallDuration, "sweepInterval", cfg.SweepInterval)

	return &Patchbay{
		config:    cfg,
		registry:  registry,
		tracker:   tracker,
		callLog:   callLog,
		router:    rt,
		hub:       hub,
		apiServer: apiServer,
	}, nil
}

func (p *Patchbay) Start(ctx context.Context) error {
	slog.Info("Starting signaling server", "listenAddr", p.apiServer.Addr())

	if err := p.apiServer.Start(); err != nil {
		slog.Error("Failed to start HTTP server", "error", err)
		return err
	}

	<-ctx.Done()
	return nil
}

func (p *Patchbay) Close() error {
	// Drop connections first so disconnect cleanup runs against live
	// presence and occupancy state.
	if p.hub != nil {
		p.hub.Close()
	}

	// Stop the stale-call sweep goroutine
	if p.tracker != nil {
		p.tracker.Close()
	}

	if p.apiServer != nil {
		p.apiServer.Stop()
	}

	if p.callLog != nil {
		return p.callLog.Close()
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/te-platform/teclient/internal/analytics"
	"github.com/te-platform/teclient/internal/coldstart"
	"github.com/te-platform/teclient/internal/config"
	"github.com/te-platform/teclient/internal/notify"
	"github.com/te-platform/teclient/internal/session"
	"github.com/te-platform/teclient/internal/storage"
	"github.com/te-platform/teclient/internal/transport"
	"github.com/te-platform/teclient/internal/upstream"
)

// engine is every long-lived component, built once and wired together.
type engine struct {
	cfg        config.Config
	logger     *log.Logger
	backend    storage.Backend
	capture    *analytics.Capture
	sessions   *session.Store
	location   *transport.Location
	policy     *transport.RedirectPolicy
	overlay    *coldstart.Signal
	client     *transport.Client
	api        *upstream.Client
	dismissals *notify.DismissalStore
	feed       *notify.Reconciler
	unsubs     []func()
}

func buildEngine(cfg config.Config, logger *log.Logger) (*engine, error) {
	backend, err := storage.BuildFromDSN(cfg.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	e := &engine{cfg: cfg, logger: logger, backend: backend}

	var identity session.IdentityHook = analytics.Nop{}
	if cfg.Analytics.Endpoint != "" {
		capture, err := analytics.NewCapture(analytics.CaptureOptions{
			Endpoint: cfg.Analytics.Endpoint,
			APIKey:   cfg.Analytics.APIKey,
			Logger:   logger,
		})
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("init analytics: %w", err)
		}
		e.capture = capture
		identity = capture
	}

	e.sessions, err = session.New(session.Options{Durable: backend, Identity: identity, Logger: logger})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	e.location = transport.NewLocation("/")
	e.policy = transport.NewRedirectPolicy(transport.RedirectOptions{
		Session:     e.sessions,
		Navigator:   e.location,
		EntryPoints: cfg.EntryPoints,
		Logger:      logger,
	})
	e.overlay = coldstart.New(coldstart.Options{
		Grace:   cfg.ColdStartGrace,
		Linger:  cfg.OverlayLinger,
		OnRetry: e.retry,
	})
	e.client = transport.NewClient(transport.Options{
		BaseURL:          cfg.BaseURL,
		HTTPClient:       &http.Client{Timeout: cfg.RequestTimeout},
		Tokens:           e.sessions,
		Observers:        []transport.Observer{e.overlay},
		OnAuthFailure:    e.policy,
		WarnDelay:        cfg.WarnDelay,
		SlowLogThreshold: cfg.SlowLogThreshold,
		MaxRetries:       cfg.MaxRetries,
		Logger:           logger,
	})
	e.api, err = upstream.NewClient(e.client, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	e.dismissals = notify.NewDismissalStore(backend, nil, logger)
	e.feed, err = notify.NewReconciler(notify.Options{
		Upstream:       e.api,
		Dismissals:     e.dismissals,
		Interval:       cfg.PollInterval,
		ExcludedRoutes: cfg.ExcludedRoutes,
		InitialRoute:   e.location.CurrentPath(),
		Logger:         logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	e.unsubs = append(e.unsubs,
		e.sessions.Subscribe(func(s session.Session) {
			e.feed.SetSession(s)
			if s.IsAuthenticated() {
				e.policy.Rearm()
			}
		}),
		e.location.Subscribe(func(path string, _ bool) {
			e.feed.SetRoute(path)
			if e.capture != nil {
				e.capture.Pageview(path)
			}
		}),
	)
	if err := e.sessions.Restore(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// retry is the overlay's manual retry: poll again right away.
func (e *engine) retry() {
	go func() {
		err := e.feed.Refresh(context.Background())
		if err != nil && !errors.Is(err, notify.ErrNotAuthenticated) {
			e.logger.Printf("manual retry refresh: %v", err)
		}
	}()
}

// watch follows session and dismissal changes made by other processes
// until ctx is done. Backends without change feeds are not watched.
func (e *engine) watch(ctx context.Context) error {
	if err := e.sessions.WatchExternal(ctx); err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	if err := e.dismissals.Watch(ctx, e.feed.PruneDismissed); err != nil {
		return fmt.Errorf("watch dismissals: %w", err)
	}
	return nil
}

func (e *engine) Close() {
	e.feed.Stop()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.capture != nil {
		if err := e.capture.Close(); err != nil {
			e.logger.Printf("flush analytics: %v", err)
		}
	}
	if err := e.backend.Close(); err != nil {
		e.logger.Printf("close storage: %v", err)
	}
}

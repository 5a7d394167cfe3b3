// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server exposes a Manager over HTTP. It serves the job submission
// and management API under /v1 and pushes live state over a WebSocket
// at /ws.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// Server is a web server with a REST API and a WebSocket backend.
type Server struct {
	m        *jobqueue.Manager
	logger   zerolog.Logger
	interval time.Duration
	hub      *hub
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// SetLogger specifies the logger of the server.
func SetLogger(logger zerolog.Logger) Option {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// SetInterval specifies how often the state is pushed to WebSocket
// clients. The default is one second.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// New initializes a new Server.
func New(m *jobqueue.Manager, options ...Option) *Server {
	srv := &Server{
		m:        m,
		logger:   zerolog.Nop(),
		interval: 1 * time.Second,
	}
	for _, opt := range options {
		opt(srv)
	}
	srv.hub = newHub(srv.logger)
	srv.router = srv.routes()
	return srv
}

// Handler returns the HTTP handler of the server.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

func (srv *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, srv.requestLogger, middleware.Recoverer)

	r.Get("/health", srv.health)
	r.Get("/ws", srv.serveWS)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", srv.globalStats)
		r.Get("/workers", srv.workers)
		r.Post("/pause", srv.pauseAll)
		r.Post("/resume", srv.resumeAll)
		r.Post("/flows", srv.addFlow)
		r.Get("/jobs/{id}", srv.lookupJob)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", srv.queueStats)
			r.Get("/jobs", srv.listJobs)
			r.Post("/jobs", srv.addJob)
			r.Post("/jobs/bulk", srv.addBulkJobs)
			r.Post("/jobs/{id}/retry", srv.retryJob)
			r.Post("/pause", srv.pauseQueue)
			r.Post("/resume", srv.resumeQueue)
			r.Post("/drain", srv.drainQueue)
			r.Post("/clean", srv.cleanQueue)
			r.Post("/scale", srv.scaleQueue)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Delete("/", srv.cleanupDeadLetters)
			r.Get("/stats", srv.deadLetterStats)
			r.Get("/patterns", srv.deadLetterPatterns)
			r.Get("/export", srv.exportDeadLetters)
			r.Get("/{queue}", srv.listDeadLetters)
			r.Post("/{queue}/retry-all", srv.retryAllDeadLetters)
			r.Get("/{queue}/{id}", srv.lookupDeadLetter)
			r.Post("/{queue}/{id}/retry", srv.retryDeadLetter)
		})
	})
	return r
}

// Run runs the WebSocket hub and pushes state and manager events to
// connected clients until ctx is canceled.
func (srv *Server) Run(ctx context.Context) {
	unsubscribe := srv.m.Subscribe(func(e jobqueue.Event) {
		srv.hub.publish(&eventMessage{Type: "EVENT", Event: e})
	})
	defer unsubscribe()

	go srv.watcher(ctx)
	srv.hub.run(ctx)
}

// Serve starts the web server at the given address and blocks until ctx
// is canceled. Pending requests get 10 seconds to finish.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Run(ctx)

	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		srv.logger.Info().Str("addr", addr).Msg("http server started")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server: shutdown")
	}
	srv.logger.Info().Msg("http server stopped")
	return nil
}

// requestLogger logs every request with its status and duration.
func (srv *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		srv.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// State is the current state of the job queue as pushed to WebSocket
// clients.
type State struct {
	Type    string                `json:"type"`
	Stats   *jobqueue.GlobalStats `json:"stats,omitempty"`
	Workers []jobqueue.WorkerInfo `json:"workers,omitempty"`
	Active  []*jobqueue.Job       `json:"active,omitempty"`
	Delayed []*jobqueue.Job       `json:"delayed,omitempty"`
	Failed  []*jobqueue.Job       `json:"failed,omitempty"`
}

type eventMessage struct {
	Type  string         `json:"type"`
	Event jobqueue.Event `json:"event"`
}

// state collects the current state of the manager.
func (srv *Server) state(ctx context.Context) (*State, error) {
	s := &State{Type: "SET_STATE", Workers: srv.m.Workers()}
	stats, err := srv.m.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	s.Stats = stats
	rsp, err := srv.m.List(ctx, &jobqueue.ListRequest{State: jobqueue.Active, Limit: 50})
	if err != nil {
		return nil, err
	}
	s.Active = rsp.Jobs
	rsp, err = srv.m.List(ctx, &jobqueue.ListRequest{State: jobqueue.Delayed, Limit: 10})
	if err != nil {
		return nil, err
	}
	s.Delayed = rsp.Jobs
	rsp, err = srv.m.List(ctx, &jobqueue.ListRequest{State: jobqueue.Failed, Limit: 10})
	if err != nil {
		return nil, err
	}
	s.Failed = rsp.Jobs
	return s, nil
}

func (srv *Server) watcher(ctx context.Context) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if !srv.hub.hasClients() {
				continue
			}
			s, err := srv.state(ctx)
			if err != nil {
				if ctx.Err() == nil {
					srv.logger.Error().Err(err).Msg("cannot collect state")
				}
				continue
			}
			srv.hub.publish(s)
		case <-ctx.Done():
			return
		}
	}
}

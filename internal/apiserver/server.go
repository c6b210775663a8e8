// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apiserver exposes the core's external interfaces (spec §6): the
// REST surface over /repos, /cards, /jobs, /runners, /pipelines,
// /pipeline-runs, /debug, /agent-files, the Git smart-HTTP surface under
// /git/{repo}.git/, the Runner WebSocket, the UI WebSocket, and the job-log
// SSE stream — all behind one chi router and one http.Server.
//
// Grounded on internal/server/server.go's router construction (global
// middleware stack, nested chi sub-routers, explicit http.Server timeouts)
// and handlers.go's handler-set-with-captured-dependencies shape, retargeted
// from the teacher's project/task/pipeline domain to this one's
// repo/card/job/runner/pipeline domain.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/broadcast"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/runnerpool"
)

var apiLog = logger.GetAPIServerLogger()

// Handlers holds every dependency the REST/WS/SSE handlers need. Each field
// is a narrow interface naming only the methods the handlers in this package
// call, so tests can supply fakes without standing up the real services.
type Handlers struct {
	repos      repoStore
	git        gitHost
	cards      cardStore
	cardSvc    cardService
	jobs       jobStore
	runnerList runnerStore
	runners    jobCanceller
	pipelines  pipelineStore
	engine     pipelineEngine
	debug      debugController
	agentFiles agentFileStore

	backendBaseURL string
}

// NewHandlers creates the handler set.
func NewHandlers(
	repos repoStore,
	git gitHost,
	cards cardStore,
	cardSvc cardService,
	jobs jobStore,
	runnerList runnerStore,
	runners jobCanceller,
	pipelines pipelineStore,
	engine pipelineEngine,
	debug debugController,
	agentFiles agentFileStore,
	backendBaseURL string,
) *Handlers {
	return &Handlers{
		repos:          repos,
		git:            git,
		cards:          cards,
		cardSvc:        cardSvc,
		jobs:           jobs,
		runnerList:     runnerList,
		runners:        runners,
		pipelines:      pipelines,
		engine:         engine,
		debug:          debug,
		agentFiles:     agentFiles,
		backendBaseURL: backendBaseURL,
	}
}

// uiSnapshot implements broadcast.Snapshotter over the repo/card/runner
// surface a freshly connected UI client needs before it starts receiving
// incremental change messages (spec §4.J).
type uiSnapshot struct {
	repos   repoStore
	cards   cardStore
	runners runnerStore
}

func (s *uiSnapshot) Snapshot() (any, error) {
	repos, err := s.repos.ListRepos()
	if err != nil {
		return nil, err
	}
	cards, err := s.cards.ListCards("", "")
	if err != nil {
		return nil, err
	}
	runners, err := s.runners.ListRunners()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"repos":   repos,
		"cards":   cards,
		"runners": runners,
	}, nil
}

// Server wraps the HTTP server and its router.
type Server struct {
	httpServer *http.Server
}

// New builds the chi router: global middleware, the REST route tree, the
// Git smart-HTTP mount, and the Runner/UI WebSocket + SSE endpoints.
func New(
	cfg *config.ServerConfig,
	h *Handlers,
	runnerWS *runnerpool.Registry,
	hub *broadcast.Hub,
	logTail *broadcast.LogTail,
) *Server {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20))

	r.Route("/repos", func(r chi.Router) {
		r.Post("/", h.CreateRepo)
		r.Get("/", h.ListRepos)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRepo)
			r.Delete("/", h.DeleteRepo)
			r.Post("/ingest", h.IngestRepo)
			r.Get("/branches", h.GetBranches)
			r.Get("/commits", h.GetCommits)
			r.Get("/diff", h.GetDiff)
		})
	})

	r.Route("/cards", func(r chi.Router) {
		r.Post("/", h.CreateCard)
		r.Get("/", h.ListCards)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCard)
			r.Post("/start", h.StartCard)
			r.Post("/approve", h.ApproveCard)
			r.Post("/reject", h.RejectCard)
			r.Post("/retry", h.RetryCard)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJobHandler)
			r.Post("/cancel", h.CancelJob)
			r.Get("/logs/stream", func(w http.ResponseWriter, req *http.Request) {
				logTail.ServeJobLog(chi.URLParam(req, "id"))(w, req)
			})
		})
	})

	r.Route("/runners", func(r chi.Router) {
		r.Get("/", h.ListRunners)
		r.Post("/scale", h.ScaleRunners)
	})

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", h.CreatePipeline)
		r.Get("/", h.ListPipelines)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetPipelineHandler)
			r.Put("/", h.UpdatePipelineHandler)
			r.Delete("/", h.DeletePipelineHandler)
			r.Post("/run", h.RunPipeline)
		})
	})

	r.Route("/pipeline-runs", func(r chi.Router) {
		r.Get("/", h.ListPipelineRunsHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetPipelineRunHandler)
			r.Post("/cancel", h.CancelPipelineRun)
			r.Post("/debug-rerun", h.DebugRerun)
		})
	})

	r.Route("/debug/{session}", func(r chi.Router) {
		r.Post("/resume", h.ResumeDebugSession)
		r.Post("/abort", h.AbortDebugSession)
	})

	r.Route("/agent-files", func(r chi.Router) {
		r.Post("/", h.CreateAgentFile)
		r.Get("/", h.ListAgentFiles)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetAgentFileHandler)
			r.Put("/", h.UpdateAgentFileHandler)
			r.Delete("/", h.DeleteAgentFileHandler)
		})
	})

	r.Route("/git/{repo}.git", func(r chi.Router) {
		r.Get("/info/refs", h.GitInfoRefs)
		r.Post("/git-upload-pack", h.GitUploadPack)
		r.Post("/git-receive-pack", h.GitReceivePack)
	})

	r.Get("/ws/runner", runnerWS.HandleWebSocket(cfg.AllowedOrigins))
	r.Get("/ws/ui", hub.HandleWebSocket(&uiSnapshot{repos: h.repos, cards: h.cards, runners: h.runnerList}, cfg.AllowedOrigins))

	port := cfg.Port
	if port <= 0 {
		port = 8080
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // SSE/WS connections are long-lived
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run starts serving and blocks until the listener stops.
func (s *Server) Run() error {
	apiLog.Info().Str("addr", s.httpServer.Addr).Msg("starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

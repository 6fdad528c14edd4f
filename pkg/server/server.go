// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the platform over REST and WebSocket. Every
// response carries the {success, data|error} envelope; event fan-out
// to WebSocket clients and NATS happens in separate adapters.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/approval"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/project"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
	"github.com/alicoding/studio-ai-sub007/pkg/router"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
	"github.com/alicoding/studio-ai-sub007/pkg/workflow"
)

// Config wires the HTTP surface to the core components.
type Config struct {
	Addr      string
	Registry  *registry.Registry
	Manager   *project.Manager
	Router    *router.Router
	Approvals *approval.Orchestrator
	Workflows *workflow.Orchestrator
	Hub       *events.Hub
	Logger    *zap.Logger
}

// Server is the REST/WebSocket front end.
type Server struct {
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine
	ws     *wsHub
	http   *http.Server
}

// New builds the server and registers every route.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Manager == nil || cfg.Router == nil ||
		cfg.Approvals == nil || cfg.Workflows == nil {
		return nil, fmt.Errorf("%w: server requires registry, manager, router, approvals, and workflows", types.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3456"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		engine: engine,
		ws:     newWSHub(cfg.Logger),
	}
	s.routes()
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving and subscribes the WebSocket hub to the event
// bus. It blocks until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Hub != nil {
		s.ws.watch(ctx, s.cfg.Hub)
	}

	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.ws.closeAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		respond(c, gin.H{"status": "ok", "agents": len(s.cfg.Registry.All())})
	})
	s.engine.GET("/ws", s.ws.handle)

	s.engine.GET("/agents", s.listAgents)
	s.engine.GET("/agents/:agentId", s.getAgent)
	s.engine.POST("/agents/:agentId/abort", s.abortAgent)

	s.engine.POST("/invoke", s.invoke)
	s.engine.POST("/invoke/:threadId/cancel", s.cancelWorkflow)
	s.engine.POST("/workflows/state/:threadId", s.workflowState)
	s.engine.POST("/workflows/history/:threadId", s.workflowHistory)
	s.engine.POST("/workflows/checkpoint/:threadId/:checkpointId", s.workflowCheckpoint)
	s.engine.POST("/workflows/resume/:threadId", s.resumeWorkflow)
	s.engine.POST("/workflows/resume/:threadId/:checkpointId", s.resumeWorkflow)

	s.engine.POST("/approvals", s.createApproval)
	s.engine.GET("/approvals", s.listApprovals)
	s.engine.GET("/approvals/:id", s.getApproval)
	s.engine.POST("/approvals/:id/decide", s.decideApproval)
	s.engine.POST("/approvals/:id/cancel", s.cancelApproval)
	s.engine.GET("/approvals/projects/:projectId/pending", s.pendingApprovals)
	s.engine.POST("/approvals/process-expired", s.processExpired)

	s.engine.POST("/messages/mention", s.mention)
	s.engine.POST("/messages/batch", s.batch)
	s.engine.GET("/messages/batch/:batchId", s.getBatch)
	s.engine.POST("/messages/batch/:batchId/abort", s.abortBatch)
}

// respond writes the success envelope.
func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// fail maps sentinel error kinds onto HTTP statuses and writes the
// error envelope with a stable, display-ready message.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, workflow.ErrIncompatible):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusRequestTimeout
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alicoding/studio-ai-sub007/pkg/approval"
	"github.com/alicoding/studio-ai-sub007/pkg/router"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
	"github.com/alicoding/studio-ai-sub007/pkg/workflow"
)

func (s *Server) listAgents(c *gin.Context) {
	if projectID := c.Query("projectId"); projectID != "" {
		respond(c, s.cfg.Registry.GetByProject(projectID))
		return
	}
	respond(c, s.cfg.Registry.All())
}

func (s *Server) getAgent(c *gin.Context) {
	proc, ok := s.cfg.Registry.Get(c.Param("agentId"))
	if !ok {
		fail(c, fmt.Errorf("%w: agent %s", types.ErrNotFound, c.Param("agentId")))
		return
	}
	respond(c, proc)
}

func (s *Server) abortAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if !s.cfg.Manager.AbortAgent(agentID) {
		fail(c, fmt.Errorf("%w: agent %s is not running", types.ErrNotFound, agentID))
		return
	}
	respond(c, gin.H{"aborted": agentID})
}

// invokeRequest accepts a single step or a step list in the workflow
// field.
type invokeRequest struct {
	Workflow  json.RawMessage `json:"workflow" binding:"required"`
	ThreadID  string          `json:"threadId"`
	ProjectID string          `json:"projectId"`
}

func (s *Server) invoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	var steps []workflow.Step
	if err := json.Unmarshal(req.Workflow, &steps); err != nil {
		var single workflow.Step
		if err := json.Unmarshal(req.Workflow, &single); err != nil {
			fail(c, fmt.Errorf("%w: workflow must be a step or a step list", types.ErrValidation))
			return
		}
		steps = []workflow.Step{single}
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	res, err := s.cfg.Workflows.Execute(c.Request.Context(), req.ThreadID, req.ProjectID, steps)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	threadID := c.Param("threadId")
	if !s.cfg.Workflows.Cancel(threadID) {
		fail(c, fmt.Errorf("%w: thread %s is not running", types.ErrNotFound, threadID))
		return
	}
	respond(c, gin.H{"cancelled": threadID})
}

// stepsRequest carries the caller's current step list for structural
// compatibility checks on state reads and resumes.
type stepsRequest struct {
	Steps     []workflow.Step `json:"steps" binding:"required"`
	ProjectID string          `json:"projectId"`
}

func (s *Server) workflowState(c *gin.Context) {
	var req stepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	state, err := s.cfg.Workflows.GetCurrentState(c.Request.Context(), c.Param("threadId"), req.Steps)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, state)
}

func (s *Server) workflowHistory(c *gin.Context) {
	var req stepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	history, err := s.cfg.Workflows.GetStateHistory(c.Request.Context(), c.Param("threadId"), req.Steps)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, history)
}

func (s *Server) workflowCheckpoint(c *gin.Context) {
	var req stepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	checkpointID, err := strconv.ParseInt(c.Param("checkpointId"), 10, 64)
	if err != nil {
		fail(c, fmt.Errorf("%w: checkpoint id must be numeric", types.ErrValidation))
		return
	}
	cp, err := s.cfg.Workflows.GetCheckpoint(c.Request.Context(), c.Param("threadId"), checkpointID, req.Steps)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, cp)
}

func (s *Server) resumeWorkflow(c *gin.Context) {
	var req stepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	threadID := c.Param("threadId")
	var res *workflow.Result
	var err error
	if raw := c.Param("checkpointId"); raw != "" {
		var checkpointID int64
		checkpointID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, fmt.Errorf("%w: checkpoint id must be numeric", types.ErrValidation))
			return
		}
		res, err = s.cfg.Workflows.ResumeFromCheckpoint(c.Request.Context(), threadID, checkpointID, req.Steps, req.ProjectID)
	} else {
		res, err = s.cfg.Workflows.ResumeWorkflow(c.Request.Context(), threadID, req.Steps, req.ProjectID)
	}
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

func (s *Server) createApproval(c *gin.Context) {
	var req approval.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	a, err := s.cfg.Approvals.CreateApproval(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, a)
}

func (s *Server) listApprovals(c *gin.Context) {
	filter := approval.Filter{
		ProjectID: c.Query("projectId"),
		ThreadID:  c.Query("threadId"),
		Status:    approval.Status(c.Query("status")),
	}
	list, err := s.cfg.Approvals.ListApprovals(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

func (s *Server) getApproval(c *gin.Context) {
	a, err := s.cfg.Approvals.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, a)
}

type decideRequest struct {
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolvedBy"`
}

func (s *Server) decideApproval(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}
	a, err := s.cfg.Approvals.ProcessDecision(c.Request.Context(), c.Param("id"), req.Approved, req.ResolvedBy)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, a)
}

func (s *Server) cancelApproval(c *gin.Context) {
	var req decideRequest
	_ = c.ShouldBindJSON(&req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}
	a, err := s.cfg.Approvals.CancelApproval(c.Request.Context(), c.Param("id"), req.ResolvedBy)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, a)
}

func (s *Server) pendingApprovals(c *gin.Context) {
	list, err := s.cfg.Approvals.GetPendingForProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

func (s *Server) processExpired(c *gin.Context) {
	count, err := s.cfg.Approvals.ProcessExpiredApprovals(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"processed": count})
}

type mentionRequest struct {
	Message         string `json:"message" binding:"required"`
	FromAgentID     string `json:"fromAgentId"`
	ProjectID       string `json:"projectId"`
	TargetProjectID string `json:"targetProjectId"`
	Wait            bool   `json:"wait"`
	TimeoutMs       int    `json:"timeoutMs"`
}

func (s *Server) mention(c *gin.Context) {
	var req mentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	res, err := s.cfg.Router.Route(c.Request.Context(), req.Message, req.FromAgentID, req.ProjectID, router.RouteOptions{
		Wait:            req.Wait,
		Timeout:         time.Duration(req.TimeoutMs) * time.Millisecond,
		TargetProjectID: req.TargetProjectID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

type batchRequest struct {
	Messages     []router.BatchMessage `json:"messages" binding:"required"`
	WaitStrategy string                `json:"waitStrategy"`
	Concurrency  int                   `json:"concurrency"`
	TimeoutMs    int                   `json:"timeoutMs"`
	FromAgentID  string                `json:"fromAgentId"`
	ProjectID    string                `json:"projectId"`
}

func (s *Server) batch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	res, err := s.cfg.Router.Batch(c.Request.Context(), req.Messages, router.BatchOptions{
		Strategy:    router.WaitStrategy(req.WaitStrategy),
		Concurrency: req.Concurrency,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		FromID:      req.FromAgentID,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

func (s *Server) getBatch(c *gin.Context) {
	res, err := s.cfg.Router.GetBatch(c.Param("batchId"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

func (s *Server) abortBatch(c *gin.Context) {
	res, err := s.cfg.Router.AbortBatch(c.Param("batchId"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res)
}

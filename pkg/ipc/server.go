// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package ipc implements the per-agent IPC endpoint: a unix stream
// socket speaking newline-delimited JSON frames. Each agent runs one
// Server; peers reach it through short-lived Client connections.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// maxFrameSize bounds a single NDJSON frame.
const maxFrameSize = 1024 * 1024

// Handler processes one inbound message and optionally returns a
// response frame. Returning nil suppresses the response.
type Handler func(ctx context.Context, msg *types.IPCMessage) (*types.IPCMessage, error)

// Server is one agent's IPC endpoint. It accepts many concurrent
// client connections and fans responses out to every connected peer.
type Server struct {
	agentID string
	path    string
	handler Handler
	logger  *zap.Logger

	ln     net.Listener
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	closed      atomic.Bool
	parseErrors atomic.Int64
}

// NewServer creates a server for an agent. Call Start to bind.
func NewServer(agentID, socketPath string, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		agentID: agentID,
		path:    socketPath,
		handler: handler,
		logger:  logger.With(zap.String("agent_id", agentID)),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path the server binds to.
func (s *Server) Path() string { return s.path }

// ParseErrors returns how many malformed frames have been received.
func (s *Server) ParseErrors() int64 { return s.parseErrors.Load() }

// Start removes any stale socket file, binds the listener, and begins
// accepting connections.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to remove stale socket %s: %v", types.ErrTransport, s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("%w: failed to bind %s: %v", types.ErrTransport, s.path, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("ipc server listening", zap.String("path", s.path))
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("ipc accept error", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// serveConn reads frames from one connection. Frame parsing is per
// connection; handler invocation happens on a separate goroutine so a
// slow handler never blocks the read loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg types.IPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.parseErrors.Add(1)
			s.logger.Warn("malformed ipc frame", zap.Error(err))
			errFrame := types.NewMessage(s.agentID, types.UnknownAgent, types.MessageError,
				fmt.Sprintf("malformed frame: %v", err))
			s.writeFrame(conn, errFrame)
			continue
		}

		s.wg.Add(1)
		go func(m types.IPCMessage) {
			defer s.wg.Done()
			s.dispatch(ctx, &m)
		}(msg)
	}

	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.logger.Debug("ipc connection read ended", zap.Error(err))
	}
}

// dispatch runs the handler and fans any response out to every
// connected peer, preserving the inbound correlation id.
func (s *Server) dispatch(ctx context.Context, msg *types.IPCMessage) {
	if s.handler == nil {
		return
	}

	resp, err := s.handler(ctx, msg)
	if err != nil {
		resp = types.NewMessage(s.agentID, msg.From, types.MessageError, err.Error())
	}
	if resp == nil {
		return
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = msg.CorrelationID
	}
	s.BroadcastFrame(resp)
}

// BroadcastFrame writes a frame to every connected peer and returns the
// number of successful writes.
func (s *Server) BroadcastFrame(msg *types.IPCMessage) int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	sent := 0
	for _, conn := range conns {
		if s.writeFrame(conn, msg) {
			sent++
		}
	}
	return sent
}

func (s *Server) writeFrame(conn net.Conn, msg *types.IPCMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal ipc frame", zap.Error(err))
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("ipc write failed", zap.Error(err))
		return false
	}
	return true
}

// Stop destroys every open connection, closes the listener, and
// deletes the socket file.
func (s *Server) Stop() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()

	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}

	s.logger.Info("ipc server stopped", zap.String("path", s.path))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// DefaultWaitTimeout bounds how long SendAndWait blocks for a reply.
const DefaultWaitTimeout = 60 * time.Second

// Client sends messages to agent sockets. Connections are short-lived:
// one dial per send.
type Client struct {
	socketDir string
	logger    *zap.Logger
}

// NewClient creates a client that resolves agent sockets under
// socketDir.
func NewClient(socketDir string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{socketDir: socketDir, logger: logger}
}

// SocketPath returns the socket path for an agent id.
func (c *Client) SocketPath(agentID string) string {
	return filepath.Join(c.socketDir, "claude-agents."+agentID)
}

// SendMention writes a single mention frame to the target's socket and
// returns without waiting for a reply.
func (c *Client) SendMention(ctx context.Context, from, to, content, projectID string) error {
	msg := types.NewMessage(from, to, types.MessageMention, content)
	return c.Send(ctx, msg)
}

// Send opens a short-lived connection, writes one frame, and closes.
func (c *Client) Send(ctx context.Context, msg *types.IPCMessage) error {
	conn, err := c.dial(ctx, msg.To)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.write(conn, msg)
}

// SendAndWait writes one frame and blocks until the server emits a
// response frame with a matching correlation id, the server closes the
// connection, or the timeout elapses. A correlation id is generated
// when the caller did not set one.
func (c *Client) SendAndWait(ctx context.Context, msg *types.IPCMessage, timeout time.Duration) (*types.IPCMessage, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}

	conn, err := c.dial(ctx, msg.To)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.write(conn, msg); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp types.IPCMessage
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Type == types.MessageResponse && resp.CorrelationID == msg.CorrelationID {
			return &resp, nil
		}
		if resp.Type == types.MessageError && resp.CorrelationID == msg.CorrelationID {
			return nil, fmt.Errorf("%w: %s", types.ErrExecution, resp.Content)
		}
	}

	if err := scanner.Err(); err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, fmt.Errorf("%w: no response from %s within %s", types.ErrTimeout, msg.To, timeout)
		}
		return nil, fmt.Errorf("%w: read from %s failed: %v", types.ErrTransport, msg.To, err)
	}
	return nil, fmt.Errorf("%w: connection to %s closed before reply", types.ErrTransport, msg.To)
}

func (c *Client) dial(ctx context.Context, agentID string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath(agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s unreachable: %v", types.ErrTransport, agentID, err)
	}
	return conn, nil
}

func (c *Client) write(conn net.Conn, msg *types.IPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal frame: %v", types.ErrTransport, err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: write to %s failed: %v", types.ErrTransport, msg.To, err)
	}
	return nil
}

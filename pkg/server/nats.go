// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/events"
)

// natsSubjectPrefix namespaces every forwarded event subject.
const natsSubjectPrefix = "studio.events."

// NATSForwarder mirrors the in-process event bus onto a NATS server so
// other processes on the host can observe agent and workflow activity.
type NATSForwarder struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSForwarder connects to the NATS server at url.
func NewNATSForwarder(url string, logger *zap.Logger) (*NATSForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("studio-ai"),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSForwarder{conn: conn, logger: logger}, nil
}

// Watch subscribes to every event family and republishes each event on
// studio.events.<name> (colons become dots).
func (f *NATSForwarder) Watch(ctx context.Context, hub *events.Hub) {
	go forwardNATS(f, ctx, hub.Process.Subscribe(ctx), func(ev events.ProcessEvent) string { return ev.Name })
	go forwardNATS(f, ctx, hub.Agent.Subscribe(ctx), func(ev events.AgentEvent) string { return ev.Name })
	go forwardNATS(f, ctx, hub.Message.Subscribe(ctx), func(ev events.MessageEvent) string { return ev.Name })
	go forwardNATS(f, ctx, hub.Workflow.Subscribe(ctx), func(ev events.WorkflowEvent) string { return ev.Name })
	go forwardNATS(f, ctx, hub.Approval.Subscribe(ctx), func(ev events.ApprovalEvent) string { return ev.Name })
}

func forwardNATS[T any](f *NATSForwarder, ctx context.Context, sub <-chan T, name func(T) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			f.publish(name(ev), ev)
		}
	}
}

func (f *NATSForwarder) publish(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Warn("failed to encode event for nats", zap.String("event", name), zap.Error(err))
		return
	}
	subject := natsSubjectPrefix + strings.ReplaceAll(name, ":", ".")
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("failed to publish event to nats", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (f *NATSForwarder) Close() {
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
	}
}

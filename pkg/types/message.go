// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "time"

// MessageType classifies an IPC frame.
type MessageType string

const (
	MessageMention   MessageType = "mention"
	MessageResponse  MessageType = "response"
	MessageBroadcast MessageType = "broadcast"
	MessageError     MessageType = "error"
)

// UnknownAgent is used in the To field when the sender does not know
// the recipient, e.g. error replies to an unparseable frame.
const UnknownAgent = "unknown"

// IPCMessage is one newline-delimited JSON frame on an agent socket.
type IPCMessage struct {
	From          string      `json:"from"`
	To            string      `json:"to"`
	Type          MessageType `json:"type"`
	Content       string      `json:"content"`
	Timestamp     int64       `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// NewMessage builds a frame with the current millisecond timestamp.
func NewMessage(from, to string, typ MessageType, content string) *IPCMessage {
	return &IPCMessage{
		From:      from,
		To:        to,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

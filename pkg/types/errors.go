// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "errors"

// Error kinds for the platform. Components wrap these with fmt.Errorf
// and %w so callers can classify failures with errors.Is without
// depending on the producing package.
var (
	// ErrValidation marks a bad workflow definition, missing fields,
	// unknown role or agent, cyclic dependencies, or invalid condition.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a target agent, approval, batch, or thread that
	// does not exist in the requested scope.
	ErrNotFound = errors.New("not found")

	// ErrTransport marks IPC-level failures: socket missing, connection
	// refused, frame parse failure.
	ErrTransport = errors.New("transport error")

	// ErrExecution marks an LLM error frame or a failed tool.
	ErrExecution = errors.New("execution error")

	// ErrTimeout marks an expired batch, approval, or health probe.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled marks an explicit abort. Never reported to the user
	// as a failure; surfaced as a distinct aborted status.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal marks operator-level failures such as a registry file
	// write error or an unreachable LLM capability.
	ErrFatal = errors.New("fatal error")
)

// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the shared runtime plumbing for Cape
// service binaries: the standard structured logger and an HTTP server
// with managed lifecycle (bind, readiness signal, graceful shutdown on
// context cancellation).
package service

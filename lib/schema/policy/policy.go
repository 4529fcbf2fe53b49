// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the wire types of the Cape policy service
// HTTP API. These are the public request/response shapes; the stored
// representation lives in lib/label and is never exposed directly.
package policy

import (
	"fmt"
	"strings"
)

// MaxTokenLength bounds a single token value on the wire. Tokens are
// short labels ("secret", "project-x"); anything longer is almost
// certainly a client bug.
const MaxTokenLength = 256

// MaxNameLength bounds a group name on the wire.
const MaxNameLength = 256

// Group is the public shape of a security group: a unique name and
// the token values currently assigned to it.
type Group struct {
	Name   string   `json:"name"`
	Tokens []string `json:"tokens"`
}

// Validate checks a Group received from a client.
func (g Group) Validate() error {
	if err := validateName(g.Name); err != nil {
		return err
	}
	return validateTokens(g.Tokens)
}

// Level is the public shape of a security level: individually
// assigned token values plus the names of referenced groups.
type Level struct {
	Tokens []string `json:"tokens"`
	Groups []string `json:"groups"`
}

// Validate checks a Level received from a client.
func (l Level) Validate() error {
	if err := validateTokens(l.Tokens); err != nil {
		return err
	}
	for _, name := range l.Groups {
		if err := validateName(name); err != nil {
			return err
		}
	}
	return nil
}

// Object is the public shape of a security object: an opaque unique
// identifier carrying exactly one security level.
type Object struct {
	UUID  string `json:"uuid"`
	Level Level  `json:"level"`
}

// Validate checks an Object received from a client. The UUID is
// optional on creation — an empty UUID asks the service to generate
// one.
func (o Object) Validate() error {
	if len(o.UUID) > MaxNameLength {
		return fmt.Errorf("policy: uuid exceeds %d bytes", MaxNameLength)
	}
	return o.Level.Validate()
}

// Error is the error envelope returned by the service for non-2xx
// responses.
type Error struct {
	Message string `json:"error"`
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("policy: group name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("policy: group name exceeds %d bytes", MaxNameLength)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("policy: group name contains invalid characters")
	}
	return nil
}

func validateTokens(tokens []string) error {
	for _, token := range tokens {
		if token == "" {
			return fmt.Errorf("policy: empty token value")
		}
		if len(token) > MaxTokenLength {
			return fmt.Errorf("policy: token value exceeds %d bytes", MaxTokenLength)
		}
	}
	return nil
}

// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// cape-policy-service is the Cape security-label policy store: an
// HTTP daemon managing interned security tokens, named token groups,
// composed security levels, and the objects that carry them.
//
// Groups are mutable by reference: updating a group's token
// membership is immediately visible in the effective label of every
// object whose level references the group. Deletes never cascade.
//
// Configuration comes from a YAML file named by the CAPE_CONFIG
// environment variable or the --config flag.
package main

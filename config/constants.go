// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

//go:build !linux

package config

// MetadataDir mirrors the linux default: a relative hidden folder in the
// working directory, overridable by tests and deployments.
var MetadataDir = ".sevenflow_meta" // created under CWD (see configureMetadataDir)

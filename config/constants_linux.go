// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

//go:build linux

package config

// MetadataDir defaults to a relative hidden folder in the working directory
// rather than a system path, so local development needs no privileges and
// generated files stay visible. It is a var so tests and advanced
// deployments can override it.
var MetadataDir = ".sevenflow_meta" // created under CWD (see configureMetadataDir)

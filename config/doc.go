// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config loads the gateway's configuration: defaults, an optional
// YAML file, LANGDB_-prefixed environment overrides, and a compatibility
// layer for the environment variable names existing deployments already
// use (RUST_LOG, LANGDB_OPENAI_API_KEY, AWS_*, CLICKHOUSE_DATA_*).
package config

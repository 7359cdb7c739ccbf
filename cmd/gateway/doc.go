// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Command gateway runs the AI inference gateway: an OpenAI-compatible
// HTTP surface dispatching to OpenAI, Anthropic, Gemini, Bedrock, or any
// OpenAI-compatible endpoint, with guardrails, usage metering, spend
// limits, and an inbound OTLP trace collector.
package main

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package bedrock implements the AWS Bedrock Runtime provider using the
// Converse and ConverseStream APIs.
//
// Unlike the HTTP-key providers, Bedrock authenticates with SigV4-signed
// requests. Credentials resolve in order: per-request override, static
// provider config, environment variables, STS AssumeRole (via
// AWS_ASSUME_ROLE_ARN), shared credentials file. Streaming responses use
// the AWS binary event stream framing, decoded by eventstream.go.
package bedrock

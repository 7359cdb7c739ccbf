// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、gateway、config 等
上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和错误码均定义
于此，以避免循环依赖。

# 核心类型

  - Message           — 对话消息（Role、Content、ToolCalls、Images）
  - ToolSchema        — 工具定义（name + description + JSON Schema parameters）
  - ToolResult        — 工具执行结果
  - TokenUsage        — Token 用量统计
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
*/
package types

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
# 概述

包 gemini 提供 Google Gemini 模型的 Provider 适配实现。该包直接对接
Gemini REST API（generativelanguage.googleapis.com），自行处理请求构建、
响应解析、流式输出与多模态能力，不依赖 openaicompat 兼容层。

# 核心结构体

  - GeminiProvider — 独立实现，持有 http.Client、GeminiConfig 与
    RewriterChain；使用 x-goog-api-key 请求头认证
  - geminiRequest / geminiResponse — Gemini 原生请求/响应结构
  - geminiContent / geminiPart — 多模态内容与分片（文本、图片、函数调用）

# 构造函数

  - NewGeminiProvider(cfg, logger) — 创建实例，默认模型 gemini-3-pro

# 支持能力

  - Chat Completions（/v1beta/models/{model}:generateContent）
  - 流式输出（/v1beta/models/{model}:streamGenerateContent）
  - 原生 Function Calling / Tool Use
  - ListModels / HealthCheck
  - CredentialOverride 运行时凭证覆盖

# 不支持能力

  - 图像、视频、音频生成与 Embedding 不在本包实现；Gemini 图像生成与
    Embedding 分别由 llm/image、llm/embedding 包提供
  - 音频转录、微调任务管理
*/
package gemini

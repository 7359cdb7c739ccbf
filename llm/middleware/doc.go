// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 middleware 提供 LLM 请求发送前的改写器链机制，用于在请求到达
上游模型服务之前进行参数清理与转换。

# 核心接口

  - RequestRewriter：请求改写器接口，包含 Rewrite 与 Name 方法。
  - RewriterChain：改写器链，按顺序执行多个 RequestRewriter。

# 主要能力

  - 请求改写：EmptyToolsCleaner 等改写器清理无效参数
    （空 tools 数组会让部分上游 API 直接报错）。
*/
package middleware

// Package main provides the gateway server wiring.
package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/gateway/config"
	"github.com/flowgate/gateway/gateway/aggregator"
	"github.com/flowgate/gateway/gateway/cost"
	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/httpapi"
	"github.com/flowgate/gateway/gateway/limit"
	"github.com/flowgate/gateway/gateway/pricing"
	gwrouter "github.com/flowgate/gateway/gateway/router"
	gwtrace "github.com/flowgate/gateway/gateway/trace"
	"github.com/flowgate/gateway/internal/metrics"
	"github.com/flowgate/gateway/internal/server"
	"github.com/flowgate/gateway/internal/telemetry"
	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/moderation"
	"github.com/flowgate/gateway/llm/providers"
	"github.com/flowgate/gateway/llm/tokenizer"
)

// Server 是网关的主服务器：HTTP 面、入站 OTLP 采集器、用量聚合器
type Server struct {
	cfg         *config.Config
	catalog     *pricing.Catalog
	interactive bool
	logger      *zap.Logger

	httpManager *server.Manager
	traceServer *gwtrace.Server
	telemetry   *telemetry.Providers
	collector   *metrics.Collector
	bus         *eventbus.Bus

	cancelAggregator context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, catalog *pricing.Catalog, interactive bool, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, catalog: catalog, interactive: interactive, logger: logger}
}

// Start 组装并启动所有组件
func (s *Server) Start() error {
	tokenizer.RegisterOpenAITokenizers()

	// 出站遥测（含 baggage 透传处理器）
	tel, err := telemetry.Init(s.cfg.Telemetry, s.logger, gwtrace.NewBaggageSpanProcessor(nil))
	if err != nil {
		return err
	}
	s.telemetry = tel

	s.collector = metrics.NewCollector("gateway", s.logger)

	// 计数器后端：配置了 Redis 用 Redis，否则进程内存
	var store counter.Store
	if s.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		store = counter.NewRedisStore(client, s.logger)
	} else {
		store = counter.NewMemoryStore()
	}

	// 事件总线 + 用量聚合器
	s.bus = eventbus.New(s.logger)
	calc := cost.New(s.catalog)
	agg := aggregator.New(s.bus, calc, store, s.logger)
	aggCtx, cancel := context.WithCancel(context.Background())
	s.cancelAggregator = cancel
	go agg.Run(aggCtx)

	// 费用上限检查器
	checker := limit.New(store, limit.Config{
		Default: map[string]limit.Caps{"llm_usage": {
			Day:   s.cfg.CostControl.Daily,
			Month: s.cfg.CostControl.Monthly,
			Total: s.cfg.CostControl.Total,
		}},
	}, s.logger)

	// 提供者注册表与守卫引擎
	registry := gwrouter.NewRegistry(s.providerCredentials(), s.logger)
	engine := guard.NewEngine(s.buildEvaluators(registry), s.logger)

	rt := gwrouter.New(s.catalog, registry, engine, checker, s.bus, gwrouter.Config{
		Guards:         s.cfg.Guards,
		RequestTimeout: s.cfg.REST.RequestTimeout,
	}, s.logger)

	// HTTP 面
	mux := http.NewServeMux()
	httpapi.NewServer(rt, s.logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	middlewares := []Middleware{
		CORS(s.cfg.REST.CORSAllowedOrigins),
		RequestID(),
		OTelTracing(),
		RequestLogger(s.logger, s.interactive),
		MetricsMiddleware(s.collector),
		BearerAuth(s.cfg.REST.APIKeys, []string{"/health", "/metrics"}),
	}
	if s.cfg.REST.IPRateLimitRPS > 0 {
		burst := s.cfg.REST.IPRateLimitBurst
		if burst <= 0 {
			burst = int(s.cfg.REST.IPRateLimitRPS) * 2
		}
		middlewares = append(middlewares, IPRateLimiter(aggCtx, s.cfg.REST.IPRateLimitRPS, burst, s.logger))
	}
	middlewares = append(middlewares,
		httpapi.RateLimit(store, httpapi.RateLimitConfig{
			Hourly:  s.cfg.RateLimit.Hourly,
			Daily:   s.cfg.RateLimit.Daily,
			Monthly: s.cfg.RateLimit.Monthly,
		}, s.logger),
		Recovery(s.logger),
	)
	handler := Chain(mux, middlewares...)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = s.cfg.REST.Addr()
	// SSE 流式响应不能设写超时
	serverCfg.WriteTimeout = 0
	serverCfg.ShutdownTimeout = s.cfg.REST.ShutdownTimeout
	s.httpManager = server.NewManager(handler, serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	// 入站 OTLP 采集器
	if s.cfg.Trace.Enabled {
		var writer gwtrace.Writer = gwtrace.NoopWriter{}
		if url := s.cfg.ClickHouse.DataURL(); url != "" {
			writer = gwtrace.NewClickHouseWriter(url, s.logger)
		}
		s.traceServer = gwtrace.NewServer(writer, s.logger)
		go func() {
			if err := s.traceServer.Serve(s.cfg.Trace.Addr); err != nil {
				s.logger.Error("trace collector stopped", zap.Error(err))
			}
		}()
	}

	s.logger.Info("gateway started",
		zap.String("addr", s.cfg.REST.Addr()),
		zap.Int("models", len(s.catalog.All())),
		zap.Int("guards", len(s.cfg.Guards)),
		zap.Bool("trace_collector", s.cfg.Trace.Enabled))
	return nil
}

// providerCredentials 将配置映射到各提供者的凭证结构
func (s *Server) providerCredentials() gwrouter.Credentials {
	creds := gwrouter.Credentials{}
	creds.OpenAI.APIKey = s.cfg.Providers.OpenAI.APIKey
	creds.OpenAI.BaseURL = s.cfg.Providers.OpenAI.BaseURL
	creds.Anthropic.APIKey = s.cfg.Providers.Anthropic.APIKey
	creds.Anthropic.BaseURL = s.cfg.Providers.Anthropic.BaseURL
	creds.Gemini.APIKey = s.cfg.Providers.Gemini.APIKey
	creds.Gemini.BaseURL = s.cfg.Providers.Gemini.BaseURL
	creds.Bedrock = providers.BedrockConfig{
		Region:          s.cfg.Providers.Bedrock.Region,
		AssumeRoleARN:   s.cfg.Providers.Bedrock.AssumeRoleARN,
		AccessKeyID:     s.cfg.Providers.Bedrock.AccessKeyID,
		SecretAccessKey: s.cfg.Providers.Bedrock.SecretAccessKey,
	}
	creds.CohereAPIKey = s.cfg.Providers.Cohere.APIKey
	creds.JinaAPIKey = s.cfg.Providers.Jina.APIKey
	creds.VoyageAPIKey = s.cfg.Providers.Voyage.APIKey
	creds.FluxAPIKey = s.cfg.Providers.Flux.APIKey
	return creds
}

// buildEvaluators 组装守卫评估器：llm_judge 按目录解析裁判模型，
// partner 目前接 OpenAI 审核端点
func (s *Server) buildEvaluators(registry *gwrouter.Registry) map[guard.Kind]guard.Evaluator {
	judgeProviders := map[string]llm.Provider{}
	for i := range s.cfg.Guards {
		g := &s.cfg.Guards[i]
		if g.Kind != guard.KindLlmJudge || g.LlmJudge == nil {
			continue
		}
		meta, ok := s.catalog.Resolve(g.LlmJudge.Model)
		if !ok {
			s.logger.Warn("llm_judge guard references unknown model",
				zap.String("guard_id", g.ID), zap.String("model", g.LlmJudge.Model))
			continue
		}
		p, err := registry.ChatProvider(meta)
		if err != nil {
			s.logger.Warn("llm_judge guard provider unavailable",
				zap.String("guard_id", g.ID), zap.Error(err))
			continue
		}
		judgeProviders[g.LlmJudge.Model] = p
	}

	var judge *guard.LlmJudgeEvaluator
	if len(judgeProviders) > 0 {
		judge = guard.NewLlmJudgeEvaluator(judgeProviders)
	}

	var partner *guard.PartnerEvaluator
	if key := s.cfg.Providers.OpenAI.APIKey; key != "" {
		partner = guard.NewPartnerEvaluator(map[string]moderation.ModerationProvider{
			"openai": moderation.NewOpenAIProvider(moderation.OpenAIConfig{APIKey: key}),
		})
	}

	return guard.DefaultEvaluators(judge, partner)
}

// Shutdown 优雅关闭所有组件
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.REST.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if s.traceServer != nil {
		s.traceServer.Shutdown()
	}
	if s.cancelAggregator != nil {
		s.cancelAggregator()
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}

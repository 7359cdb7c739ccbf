// =============================================================================
// 📦 Gateway 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回完整的默认配置
func DefaultConfig() *Config {
	return &Config{
		REST:      DefaultRESTConfig(),
		Trace:     DefaultTraceConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultRESTConfig 返回默认 HTTP 服务配置
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		RequestTimeout:  120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultTraceConfig 返回默认采集器配置
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		Enabled: true,
		Addr:    ":4317",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "gateway",
		SampleRate:   1.0,
	}
}

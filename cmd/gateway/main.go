// =============================================================================
// Gateway 主入口
// =============================================================================
// AI 推理网关：统一的 OpenAI 兼容端点，转发 OpenAI / Anthropic / Gemini /
// Bedrock / 自定义代理，带守卫、计费、限流与 OTLP 采集。
//
// 使用方法:
//
//	gateway serve                        # 启动网关（默认命令）
//	gateway serve --config langdb.yaml   # 指定配置文件
//	gateway serve --interactive          # 启动并打印请求摘要
//	gateway update [--force]             # 刷新本地模型目录缓存
//	gateway list                         # 打印模型目录
//	gateway version                      # 显示版本信息
//
// 退出码: 0 正常退出；1 配置/IO 错误；2 模型目录错误
// =============================================================================
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowgate/gateway/config"
	"github.com/flowgate/gateway/gateway/pricing"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitModels = 2
)

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !isFlag(args[0]) {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		os.Exit(runServe(args))
	case "update":
		os.Exit(runUpdate(args))
	case "list":
		os.Exit(runList(args))
	case "version":
		fmt.Printf("gateway %s (%s)\n", Version, GitCommit)
		os.Exit(exitOK)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(exitConfig)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

func printUsage() {
	fmt.Println(`Usage:
  gateway serve  [--config path] [--interactive]   start the gateway (default)
  gateway update [--force]                         refresh the local models cache
  gateway list                                     print the model catalog
  gateway version`)
}

// =============================================================================
// serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	interactive := fs.Bool("interactive", false, "Log a per-request summary to the terminal")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("failed to load model catalog", zap.Error(err))
		return exitModels
	}
	if len(catalog.All()) == 0 {
		logger.Error("model catalog is empty; supply models via config or ~/.langdb/models.yaml")
		return exitModels
	}

	srv := NewServer(cfg, catalog, *interactive, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start", zap.Error(err))
		return exitConfig
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	srv.Shutdown()
	return exitOK
}

// loadCatalog prefers the inline model list, then the bundled catalog with
// the user's home-directory override.
func loadCatalog(cfg *config.Config) (*pricing.Catalog, error) {
	if len(cfg.Models) > 0 {
		return pricing.FromEntries(cfg.Models), nil
	}
	return pricing.Load()
}

// buildLogger maps the log config to a zap logger.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	return zc.Build()
}

// =============================================================================
// update 命令
// =============================================================================

// runUpdate refreshes $HOME/.langdb/models.yaml from the bundled catalog.
// Without --force an existing cache is left untouched.
func runUpdate(args []string) int {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing models cache")
	_ = fs.Parse(args)

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve home directory: %v\n", err)
		return exitConfig
	}

	dir := filepath.Join(home, ".langdb")
	path := filepath.Join(dir, "models.yaml")

	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Printf("models cache up to date: %s (use --force to overwrite)\n", path)
		return exitOK
	}

	data, err := pricing.BundledModels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bundled catalog invalid: %v\n", err)
		return exitModels
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", dir, err)
		return exitConfig
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", path, err)
		return exitConfig
	}

	fmt.Printf("models cache written: %s\n", path)
	return exitOK
}

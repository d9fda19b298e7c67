package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgeworker/edgeworker/internal/cache"
	"github.com/edgeworker/edgeworker/internal/config"
	"github.com/edgeworker/edgeworker/internal/logging"
	"github.com/edgeworker/edgeworker/internal/proxy"
	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/server/routes"
	"github.com/edgeworker/edgeworker/internal/site"
	"github.com/edgeworker/edgeworker/internal/version"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteSummaries(cfg.Sites)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动遵循“配置 → 注册表 → 缓存存储 → 站点安装/激活 → Fiber server”顺序，
	// 所有站点共享同一个存储实例，分区名以站点名为前缀互不干扰。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath, cache.Options{Compress: cfg.Global.StorageCompress})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	httpClient := server.NewUpstreamClient(cfg)
	managers, err := startSites(ctx, cfg, registry, store, httpClient, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}
	defer func() {
		for _, m := range managers {
			m.Close()
		}
	}()

	forwarder := proxy.NewForwarder(proxy.NewHandler(httpClient, logger), logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteSummaries(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// startSites 为每个站点创建 Manager 并安装/激活配置的版本。单个站点安装失败
// 只记录日志：该站点的请求会直接透传上游，可稍后通过 /-/sites/:name/upgrade 重试。
func startSites(
	ctx context.Context,
	cfg *config.Config,
	registry *server.SiteRegistry,
	store cache.Storage,
	client *http.Client,
	logger *logrus.Logger,
) ([]*site.Manager, error) {
	routesList := registry.Routes()
	managers := make([]*site.Manager, 0, len(routesList))
	for _, route := range routesList {
		manager, err := site.NewManager(site.Options{
			Site:               route.Config,
			Storage:            store,
			Network:            proxy.NewNetwork(client, route),
			Logger:             logger,
			InstallConcurrency: cfg.Global.InstallConcurrency,
			RevalidateTimeout:  cfg.Global.RevalidateTimeout.DurationValue(),
			MaxEntrySize:       cfg.Global.MaxEntrySize,
		})
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", route.Config.Name, err)
		}
		route.Manager = manager
		managers = append(managers, manager)

		if err := manager.Start(ctx); err != nil {
			fields := logging.ControllerFields(route.Config.Name, route.Config.Version)
			fields["action"] = "startup"
			logger.WithFields(fields).WithError(err).Error("站点安装失败，请求将直接透传上游")
		}
	}
	return managers, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("edgeworker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 EDGEWORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("EDGEWORKER_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterSiteRoutes(app, registry, logger, cfg.Global.AdminToken)
		},
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，开始优雅关闭")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ChainChat/internal/agent"
	"ChainChat/internal/api"
	"ChainChat/internal/config"
	"ChainChat/internal/conversation"
	"ChainChat/internal/events"
	"ChainChat/internal/executor"
	"ChainChat/internal/latch"
	"ChainChat/internal/llm"
	"ChainChat/internal/llm/local"
	"ChainChat/internal/llm/openai"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/rates"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/tool/catalog"
	"ChainChat/internal/web3/provider"
	"ChainChat/pkg/logger"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, config.ResolvePath(*configPath))
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("chaind")

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() { _ = store.Close() })

	execLatch, err := openLatch(ctx, cfg.Latch)
	if err != nil {
		return err
	}
	if closer, ok := execLatch.(interface{ Close() error }); ok {
		cleanups = append(cleanups, func() { _ = closer.Close() })
	}

	bus := events.NewBus()
	publisher, err := openPublisher(cfg.Events, bus)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() { _ = publisher.Close() })

	rateProvider, err := openRates(cfg.Rates)
	if err != nil {
		return err
	}

	deps := catalog.Deps{
		Rates:          rateProvider,
		ReceiptTimeout: time.Duration(cfg.Web3.ReceiptTimeoutSeconds) * time.Second,
	}
	if cfg.Web3.ChainConfig != "" || cfg.Web3.RPCURL != "" {
		chains, err := provider.NewRegistry(ctx, cfg.Web3, m.ObserveWalletSend)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, chains.Close)
		deps.Networks = chains
		log.Info("链配置已加载", slog.Any("chains", chains.Chains()))
	} else {
		log.Warn("未配置链与钱包，链上工具将返回失败结果")
	}

	registry, err := catalog.NewRegistry(deps)
	if err != nil {
		return err
	}

	exec := executor.New(registry,
		executor.WithLatch(execLatch),
		executor.WithTimeout(time.Duration(cfg.Agent.ExecutionTimeoutSeconds)*time.Second),
		executor.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)))

	backend, err := newBackend(cfg.LLM, log)
	if err != nil {
		return err
	}

	ag := agent.New(backend, registry, exec,
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithSystemPrompt(cfg.LLM.SystemPrompt),
		agent.WithStore(store),
		agent.WithPublisher(publisher),
		agent.WithMetrics(m))

	server := api.NewServer(cfg.Server.Address, ag,
		api.WithEventBus(bus),
		api.WithToolRegistry(registry),
		api.WithMetrics(m, cfg.Metrics.Path))

	err = server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if waitErr := exec.Wait(shutdownCtx); waitErr != nil {
		log.Warn("仍有链上操作未结束", slog.Any("error", waitErr))
	}
	if waitErr := ag.Wait(shutdownCtx); waitErr != nil {
		log.Warn("仍有回合在等待用户确认", slog.Any("error", waitErr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (conversation.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.NewConversationStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return conversation.NewMemoryStore(), nil
	}
}

func openLatch(ctx context.Context, cfg config.LatchConfig) (latch.Latch, error) {
	switch cfg.Driver {
	case "redis":
		return latch.NewRedis(ctx, latch.RedisConfig{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			TTL:      time.Duration(cfg.TTLSeconds) * time.Second,
		})
	default:
		return latch.NewMemory(), nil
	}
}

func openPublisher(cfg config.EventsConfig, bus *events.Bus) (events.Publisher, error) {
	if cfg.Driver != "rabbitmq" {
		return bus, nil
	}
	rmq, err := events.NewRabbitMQ(events.RabbitMQConfig{
		URL:      cfg.URL,
		Exchange: cfg.Exchange,
		Queue:    cfg.Queue,
		Durable:  cfg.Durable,
	})
	if err != nil {
		return nil, err
	}
	return events.Multi{bus, rmq}, nil
}

func openRates(cfg config.RatesConfig) (rates.Provider, error) {
	if cfg.Provider == "http" {
		return rates.NewHTTP(rates.HTTPConfig{
			Endpoint: cfg.Endpoint,
			TTL:      time.Duration(cfg.CacheTTLSeconds) * time.Second,
		})
	}
	return rates.NewStatic(cfg.Table, cfg.FallbackRate), nil
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// newBackend 组装远程与本地模型。缺少远程密钥时只记录警告，远程请求会以 BACKEND_ERROR 结束回合。
func newBackend(cfg config.LLMConfig, log *slog.Logger) (llm.Switch, error) {
	var sw llm.Switch
	remote, err := openai.NewClient(openai.Config{
		APIKey:      cfg.Remote.ResolveAPIKey(),
		BaseURL:     cfg.Remote.BaseURL,
		Model:       cfg.Remote.Model,
		Timeout:     time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		Temperature: cfg.Remote.Temperature,
	})
	if err != nil {
		log.Warn("远程模型未启用", slog.Any("error", err))
	} else {
		sw.Remote = remote
	}

	localClient, err := local.NewClient(local.Config{
		BaseURL:     cfg.Local.BaseURL,
		Model:       cfg.Local.Model,
		Timeout:     time.Duration(cfg.Local.TimeoutSeconds) * time.Second,
		Temperature: cfg.Local.Temperature,
	})
	if err != nil {
		return llm.Switch{}, err
	}
	sw.Local = localClient
	return sw, nil
}

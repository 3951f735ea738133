package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/delivery"
	"github.com/oriys/relay/internal/dispatcher"
	"github.com/oriys/relay/internal/lease"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/observability"
	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/ratelimit"
	"github.com/oriys/relay/internal/transport"
)

func daemonCmd() *cobra.Command {
	var (
		redisAddr  string
		workerID   string
		notifierTy string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the relay dispatcher daemon",
		Long:  "Run the dispatcher as a long-lived worker against a shared Redis instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("worker-id") {
				cfg.Dispatcher.WorkerID = workerID
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if cfg.Tracing.ServiceName == "" {
				cfg.Tracing.ServiceName = "relay"
			}
			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
			}

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			if err := client.Ping(context.Background()).Err(); err != nil {
				return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
			}

			var notifier queue.Notifier
			switch notifierTy {
			case "redis":
				notifier = queue.NewRedisNotifier(client)
			case "channel":
				notifier = queue.NewChannelNotifier()
			default:
				notifier = queue.NewNoopNotifier()
			}
			defer notifier.Close()

			store := queue.NewRedisQueue(client)
			l := lease.New(client)

			tr := buildTransport(cfg)

			var transportLimiter *ratelimit.Limiter
			if cfg.TransportRateLimit.RequestsPerSecond > 0 && cfg.TransportRateLimit.BurstSize > 0 {
				transportLimiter = ratelimit.New(client, map[string]ratelimit.TierConfig{
					"transport": {
						RequestsPerSecond: cfg.TransportRateLimit.RequestsPerSecond,
						BurstSize:         cfg.TransportRateLimit.BurstSize,
					},
				}, ratelimit.TierConfig{})
			}

			deliv := delivery.New(delivery.Config{
				Delay: delivery.DelayConfig{
					MinTypingSpeed:       10,
					MaxTypingSpeed:       30,
					RandomOffsetMin:      100 * time.Millisecond,
					RandomOffsetMax:      500 * time.Millisecond,
					MaxDelay:             cfg.Delivery.MaxDelay,
					TypingInterval:       cfg.Delivery.TypingPulseEvery,
					TypingPulseThreshold: 700 * time.Millisecond,
				},
				TransportTimeout: cfg.Delivery.TransportTimeout,
				CircuitBreaker: circuitbreaker.Config{
					ErrorPct:       cfg.CircuitBreaker.ErrorPct,
					WindowDuration: cfg.CircuitBreaker.Window,
					OpenDuration:   cfg.CircuitBreaker.OpenDuration,
					HalfOpenProbes: 3,
				},
			}, tr, transportLimiter)
			defer deliv.Close()

			disp := dispatcher.New(dispatcher.Config{
				WorkerID:        cfg.Dispatcher.WorkerID,
				ScanInterval:    cfg.Dispatcher.ScanInterval,
				LeaseTTL:        cfg.Dispatcher.LeaseTTL,
				LeaseRenewEvery: cfg.Dispatcher.LeaseRenewEvery,
				MaxRetries:      cfg.Dispatcher.MaxRetries,
				BaseBackoff:     cfg.Dispatcher.BaseBackoff,
				MaxBackoff:      cfg.Dispatcher.MaxBackoff,
			}, store, l, deliv, notifier)

			if err := disp.Start(context.Background()); err != nil {
				return fmt.Errorf("start dispatcher: %w", err)
			}

			var httpServer *http.Server
			if cfg.Metrics.ListenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", metrics.Global().JSONHandler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				httpServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
			}

			logging.Op().Info("relay dispatcher started", "worker_id", cfg.Dispatcher.WorkerID, "redis_addr", cfg.Redis.Addr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.MaxDelay+cfg.Delivery.TransportTimeout+5*time.Second)
			defer cancel()
			if err := disp.Stop(stopCtx); err != nil {
				logging.Op().Error("dispatcher stop did not complete cleanly", "error", err)
			}
			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				httpServer.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis host:port (overrides config/env)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Stable identifier for this dispatcher process (overrides config/env)")
	cmd.Flags().StringVar(&notifierTy, "notifier", "redis", "Push notifier: redis, channel, or noop")

	return cmd
}

func buildTransport(cfg *config.Config) transport.Transport {
	if cfg.Transport.SendURL == "" {
		logging.Op().Warn("no SEND_URL configured, using no-op fake transport")
		return transport.NewFake()
	}
	return transport.NewHTTPTransport(transport.HTTPConfig{
		SendURL:   cfg.Transport.SendURL,
		TypingURL: cfg.Transport.TypingURL,
	}, &http.Client{Timeout: cfg.Delivery.TransportTimeout})
}

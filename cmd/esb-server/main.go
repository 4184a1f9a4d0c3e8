// Command esb-server hosts a standalone transport: it opens the
// persistent queue, starts the worker pool and mirrors lifecycle events
// onto the configured log queue until interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	esb "github.com/ShawnSpooner/rhino-esb"
	"github.com/ShawnSpooner/rhino-esb/adapters/zerolog"
	"github.com/ShawnSpooner/rhino-esb/audit"
	"github.com/ShawnSpooner/rhino-esb/cmd/esb-server/internal/config"
	"github.com/ShawnSpooner/rhino-esb/relay"
	"github.com/ShawnSpooner/rhino-esb/relay/natsrelay"
	"github.com/ShawnSpooner/rhino-esb/relay/redisrelay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := zerolog.NewConsole()

	opts := []esb.Option{
		esb.WithEndpoint(cfg.Transport.Endpoint),
		esb.WithThreadCount(cfg.Transport.ThreadCount),
		esb.WithNumberOfRetries(cfg.Transport.Retries),
		esb.WithQueueIsolationLevel(cfg.Transport.Isolation()),
		esb.WithLogger(logger),
	}
	if cfg.Database.Driver == "sqlite3" {
		opts = append(opts, esb.WithPath(cfg.Database.Path))
	} else {
		opts = append(opts, esb.WithDatabase(cfg.Database.Driver, cfg.Database.GetDSN()))
	}

	carrier, err := buildRelay(cfg)
	if err != nil {
		log.Fatalf("Failed to build relay: %v", err)
	}
	if carrier != nil {
		opts = append(opts, esb.WithRelay(carrier))
	}

	transport, err := esb.NewTransport(opts...)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	ctx := context.Background()
	if err := transport.Start(ctx); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}

	var logging *audit.Module
	if cfg.Transport.LogQueue != "" {
		logging, err = audit.New(transport, cfg.Transport.LogQueue, logger)
		if err != nil {
			log.Fatalf("Failed to create audit module: %v", err)
		}
		if err := logging.Init(ctx); err != nil {
			log.Fatalf("Failed to initialize audit module: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	if logging != nil {
		logging.Dispose()
	}
	if err := transport.Dispose(); err != nil {
		logger.Errorf("Dispose failed: %v", err)
	}
}

func buildRelay(cfg *config.Config) (relay.Relay, error) {
	switch cfg.Relay.Kind {
	case "nats":
		return natsrelay.New(natsrelay.Config{URL: cfg.Relay.URL})
	case "redis":
		return redisrelay.New(redisrelay.Config{Addr: cfg.Relay.URL})
	default:
		return nil, nil
	}
}

// Command task-relay consumes task lifecycle events from a message broker,
// reconciles them into Postgres, and serves the resulting records over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estuary/task-relay/go/cleanup"
	"github.com/estuary/task-relay/go/consumer"
	"github.com/estuary/task-relay/go/relayapi"
	"github.com/estuary/task-relay/go/store"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// config configures the task-relay service.
type config struct {
	Broker struct {
		URL string `long:"url" env:"URL" required:"true" description:"AMQP URI of the message broker"`
	} `group:"broker" namespace:"broker" env-namespace:"BROKER"`

	Database struct {
		URL string `long:"url" env:"URL" required:"true" description:"Postgres URI of the task store"`
	} `group:"database" namespace:"database" env-namespace:"DATABASE"`

	Relay struct {
		Port            uint16        `long:"port" env:"PORT" default:"3000" description:"Port of the HTTP read API"`
		CleanupInterval time.Duration `long:"cleanup-interval" env:"CLEANUP_INTERVAL" default:"300s" description:"Cadence of the TTL eviction loop"`
		DisableAPI      bool          `long:"disable-api" env:"DISABLE_API" description:"Don't serve the HTTP read API"`
		DisableConsumer bool          `long:"disable-consumer" env:"DISABLE_CONSUMER" description:"Don't consume task events from the broker"`
		DisableCleanup  bool          `long:"disable-cleanup" env:"DISABLE_CLEANUP" description:"Don't run the TTL eviction loop"`
	} `group:"relay" namespace:"relay" env-namespace:"RELAY"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg config
	var parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1) // go-flags already printed the error.
	}
	initLog(cfg.Log)

	log.WithFields(log.Fields{
		"port":            cfg.Relay.Port,
		"cleanupInterval": cfg.Relay.CleanupInterval,
	}).Info("task-relay configuration")

	if err := run(cfg); err != nil {
		log.WithField("err", err).Fatal("task-relay failed")
	}
	log.Info("goodbye")
}

func run(cfg config) error {
	var tasks = task.NewGroup(context.Background())

	var taskStore, err = store.Connect(tasks.Context(), cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to task store: %w", err)
	}
	defer taskStore.Close()

	if err = taskStore.EnsureSchema(tasks.Context()); err != nil {
		return fmt.Errorf("preparing task store: %w", err)
	}

	var cons *consumer.Consumer
	if !cfg.Relay.DisableConsumer {
		cons = consumer.New(cfg.Broker.URL, consumer.NewHandler(taskStore))
		tasks.Queue("consumer", func() error {
			return cons.Run(tasks.Context())
		})
	}

	if !cfg.Relay.DisableCleanup {
		var evictor = cleanup.NewEvictor(taskStore, cfg.Relay.CleanupInterval)
		tasks.Queue("cleanup", func() error {
			return evictor.Run(tasks.Context())
		})
	}

	if !cfg.Relay.DisableAPI {
		// The health endpoint borrows a read-only view of the consumer's
		// broker connection; nil when the consumer is disabled.
		var broker relayapi.BrokerHealth
		if cons != nil {
			broker = cons
		}

		var server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Relay.Port),
			Handler: relayapi.New(taskStore, broker).Router(),
		}
		tasks.Queue("http-server", func() error {
			log.WithField("addr", server.Addr).Info("serving read API")
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		tasks.Queue("http-shutdown", func() error {
			<-tasks.Context().Done()

			var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		})
	}

	// Install signal handler & start service tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AaronLay10/SentientFlow/internal/api"
	"github.com/AaronLay10/SentientFlow/internal/config"
	"github.com/AaronLay10/SentientFlow/internal/engine"
	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/metrics"
	"github.com/AaronLay10/SentientFlow/internal/modules"
	"github.com/AaronLay10/SentientFlow/internal/modules/core"
	"github.com/AaronLay10/SentientFlow/internal/mqtt"
	"github.com/AaronLay10/SentientFlow/internal/storage/postgres"
	"github.com/AaronLay10/SentientFlow/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to engine.yaml (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadEngineConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	events.SetStdout(cfg.Log.Stdout)

	hostname, _ := os.Hostname()
	events.Emit("info", "system.startup", "flow engine starting", map[string]interface{}{
		"service":  "sentientflow",
		"version":  version.Version,
		"hostname": hostname,
		"pid":      os.Getpid(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.InitAuth(); err != nil {
		log.Fatalf("auth: %v", err)
	}
	api.InitTLS()

	catalog := modules.NewCatalog()
	if err := core.Install(catalog); err != nil {
		log.Fatalf("modules: %v", err)
	}
	var backend modules.Backend = catalog
	if cfg.Modules.Dir != "" {
		backend = modules.Backends{catalog, modules.NewDirBackend(cfg.Modules.Dir, catalog)}
	}

	var (
		store    flow.Store = flow.NewDirStore(cfg.Flows.Dir)
		eventLog api.EventLog
	)
	if cfg.Postgres.Enabled {
		pg, err := openPostgres(ctx, hostname)
		if err != nil {
			// A postgres flow source is required; the event log is not.
			if cfg.Flows.Source == config.SourcePostgres {
				log.Fatalf("postgres: %v", err)
			}
			log.Printf("postgres unavailable, continuing without event log: %v", err)
			api.SetPostgresState(false, true)
		} else {
			defer pg.Close()
			api.SetPostgresState(true, cfg.Flows.Source != config.SourcePostgres)
			eventLog = pg
			if cfg.Postgres.PersistEvents {
				events.SetPersister(pg)
			}
			if cfg.Flows.Source == config.SourcePostgres {
				store = pg.Flows()
			}
		}
	}

	m := metrics.New()
	e := engine.New(engine.Options{
		Store:        store,
		Registry:     modules.NewRegistry(backend),
		Metrics:      m,
		MaxChains:    cfg.Dispatch.MaxChains,
		EventTimeout: cfg.EventTimeout(),
		Trace:        cfg.Dispatch.Trace,
	})

	if err := e.Deploy(ctx); err != nil {
		// The server still starts so flows can be fixed and redeployed.
		log.Printf("initial deploy failed: %v", err)
	}

	var (
		served api.FlowEngine = e
		bridge *mqtt.Bridge
	)
	if cfg.MQTT.Enabled {
		bridge = startMQTT(ctx, cfg, e)
		served = &bridgedEngine{Engine: e, bridge: bridge}
	}

	srv := api.NewServer(served, m, eventLog)
	if err := srv.ListenAndServe(ctx, cfg.Server.Port); err != nil {
		log.Printf("api server failed: %v", err)
	}

	events.Emit("info", "system.shutdown", "flow engine stopping", nil)
	if bridge != nil {
		bridge.Wait()
	}
	e.Wait()
	events.CloseAllSubscribers()
}

// openPostgres connects with the standard libpq environment variables.
func openPostgres(ctx context.Context, instance string) (*postgres.Client, error) {
	password, err := config.ResolveSecret("PGPASSWORD")
	if err != nil {
		return nil, err
	}
	return postgres.Open(ctx, postgres.ConnConfig{
		Host:     os.Getenv("PGHOST"),
		Port:     os.Getenv("PGPORT"),
		User:     os.Getenv("PGUSER"),
		Password: password,
		Database: os.Getenv("PGDATABASE"),
		SSLMode:  os.Getenv("PGSSLMODE"),
	}, instance)
}

// bridgedEngine subscribes the event routes of every new deployment.
type bridgedEngine struct {
	*engine.Engine
	bridge *mqtt.Bridge
}

func (b *bridgedEngine) Deploy(ctx context.Context) error {
	if err := b.Engine.Deploy(ctx); err != nil {
		return err
	}
	if err := b.bridge.Sync(b.Active().Table); err != nil {
		log.Printf("mqtt subscribe failed: %v", err)
	}
	return nil
}

// startMQTT routes emitted events through the broker. Event routes of the
// active deployment are subscribed on every (re)connect.
func startMQTT(ctx context.Context, cfg *config.EngineConfig, e *engine.Engine) *mqtt.Bridge {
	var bridge *mqtt.Bridge
	client := mqtt.NewClient(cfg.MQTT.URL, cfg.MQTT.ClientID, func() {
		api.SetMQTTState(true, true)
		if d := e.Active(); d != nil {
			if err := bridge.Resubscribe(d.Table); err != nil {
				log.Printf("mqtt resubscribe failed: %v", err)
			}
		}
	})
	bridge = mqtt.NewBridge(client, e, cfg.MQTT.TopicPrefix, cfg.EventTimeout())
	e.SetPublisher(bridge)

	api.SetMQTTState(client.Start(), true)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				client.Disconnect()
				return
			case <-ticker.C:
				api.SetMQTTState(client.IsConnected(), true)
			}
		}
	}()
	return bridge
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddielth/relay-sync/config"
	"github.com/eddielth/relay-sync/cursor"
	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/mqtt"
	"github.com/eddielth/relay-sync/remote"
	"github.com/eddielth/relay-sync/storage"
	"github.com/eddielth/relay-sync/syncer"
	"github.com/eddielth/relay-sync/transformer"
	"github.com/eddielth/relay-sync/writer"
)

// hostSink joins the MQTT tag provider and the historian
type hostSink struct {
	*mqtt.Provider
	history *storage.Manager
}

func (s hostSink) StoreHistory(ctx context.Context, provider string, records []model.HistoryRecord) error {
	return s.history.StoreHistory(ctx, provider, records)
}

func syncSettings(cfg *config.Config) syncer.Settings {
	return syncer.Settings{
		PollInterval:    cfg.Sync.PollInterval,
		LiveInterval:    cfg.Sync.LiveInterval,
		HistoryEnabled:  cfg.Sync.HistoryEnabled,
		HistoryProvider: cfg.Sync.HistoryProvider,
		LiveWorkers:     cfg.Sync.LiveWorkers,
		ForceResync:     cfg.Sync.ForceResync,
		ForceSync:       cfg.Sync.ForceSync,
	}
}

func newRemoteClient(cfg config.RemoteConfig) *remote.Client {
	return remote.NewClient(remote.Credentials{
		Account:        cfg.Account,
		Username:       cfg.Username,
		Password:       cfg.Password,
		DeveloperID:    cfg.DeveloperID,
		DeviceUsername: cfg.DeviceUsername,
		DevicePassword: cfg.DevicePassword,
	}, remote.Options{
		MailboxURL:           cfg.MailboxURL,
		RelayURL:             cfg.RelayURL,
		Timeout:              cfg.Timeout,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		Burst:                cfg.Burst,
		Breaker:              cfg.Breaker,
		SkipMalformedHistory: cfg.MalformedHistory == "skip",
	})
}

func newHistoryManager(cfg config.StorageConfig) (*storage.Manager, error) {
	manager := storage.NewManager()

	if cfg.File.Enabled {
		fileStorage, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		manager.AddBackend(cfg.File.Name, fileStorage)
	}

	if cfg.Database.Enabled {
		dbStorage, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			manager.Close()
			return nil, err
		}
		manager.AddBackend(cfg.Database.Name, dbStorage)
	}

	return manager, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	transformerManager, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		log.Fatalf("failed to initialize value scripts: %v", err)
	}

	historyManager, err := newHistoryManager(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize history storage: %v", err)
	}
	defer historyManager.Close()

	cursorStore, err := cursor.NewStore(cfg.Cursor.Backend, cfg.Cursor.Path)
	if err != nil {
		log.Fatalf("failed to open sync cursor: %v", err)
	}
	defer cursorStore.Close()

	provider, err := mqtt.NewProvider(cfg.MQTT)
	if err != nil {
		log.Fatalf("failed to initialize MQTT provider: %v", err)
	}
	if err := provider.Connect(); err != nil {
		log.Fatalf("failed to connect to MQTT broker: %v", err)
	}
	defer provider.Disconnect()

	client := newRemoteClient(cfg.Remote)
	writes := writer.NewManager(client, provider, cfg.Writes.Window())
	defer writes.Close()

	sink := hostSink{Provider: provider, history: historyManager}
	orchestrator := syncer.New(client, cursorStore, sink, writes, syncSettings(cfg), syncer.WithTransformer(transformerManager))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.Start(ctx); err != nil {
		log.Fatalf("failed to start sync: %v", err)
	}
	defer orchestrator.Stop()

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration...")

		for device, transformerCfg := range newCfg.Transformers {
			if err := transformerManager.ReloadTransformer(device, transformerCfg); err != nil {
				logger.Error("failed to reload value script for %s: %v", device, err)
			}
		}

		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("invalid log level %q: %v", newCfg.Logger.Level, err)
		}

		writes.SetWindow(newCfg.Writes.Window())
		orchestrator.ApplySettings(syncSettings(newCfg))

		logger.Info("remote, MQTT and storage changes take effect after restart")
		return nil
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file for changes")
	}

	logger.Info("relay sync started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down...")
}

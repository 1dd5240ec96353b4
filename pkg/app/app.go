// Package app wires configured components together for the binaries.
package app

import (
	"log/slog"

	"github.com/spf13/afero"

	"virtualfit/pkg/archive"
	"virtualfit/pkg/config"
	"virtualfit/pkg/events"
	"virtualfit/pkg/metrics"
	"virtualfit/pkg/processor"
	"virtualfit/pkg/store"
	"virtualfit/pkg/tryon"
)

// OpenStore returns the configured job store and a function releasing it.
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Store.Backend != "redis" {
		logger.Info("using in-memory job store")
		return store.NewInMemoryStore(), func() {}, nil
	}
	rs, err := store.NewRedisStore(cfg.Store.RedisURL, cfg.Store.TTL(), cfg.Store.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis job store", "prefix", cfg.Store.KeyPrefix)
	return rs, func() { _ = rs.Close() }, nil
}

// TryOnConfig maps the tryon section onto the Gradio client settings.
func TryOnConfig(cfg *config.Config) tryon.Config {
	tcfg := tryon.DefaultConfig()
	tcfg.BaseURL = cfg.TryOn.BaseURL
	tcfg.Token = cfg.TryOn.Token
	if cfg.TryOn.APIName != "" {
		tcfg.APIName = cfg.TryOn.APIName
	}
	tcfg.Timeout = cfg.TryOn.Timeout()
	tcfg.Params = tryon.Params{
		AutoMask:     cfg.TryOn.AutoMask,
		AutoCrop:     cfg.TryOn.AutoCrop,
		DenoiseSteps: cfg.TryOn.DenoiseSteps,
		Seed:         cfg.TryOn.Seed,
	}
	return tcfg
}

// NewProcessor builds the processor with its try-on client, artifact archive
// and event publisher. The returned function closes the event connection.
func NewProcessor(cfg *config.Config, fs afero.Fs, st store.Store, m *metrics.Metrics, logger *slog.Logger) (*processor.Processor, func(), error) {
	client, err := tryon.NewGradioClient(TryOnConfig(cfg), nil)
	if err != nil {
		return nil, nil, err
	}

	arch, err := archive.New(fs, cfg.Archive.UploadDir, cfg.Archive.ProcessedDir)
	if err != nil {
		return nil, nil, err
	}

	var pub events.Publisher = events.Nop{}
	closer := func() {}
	if cfg.Events.NATSURL != "" {
		bus, err := events.Connect(cfg.Events.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("publishing job events to NATS", "url", cfg.Events.NATSURL)
		pub, closer = bus, bus.Close
	}

	proc := processor.New(st, client,
		processor.WithArchive(arch),
		processor.WithPublisher(pub),
		processor.WithMetrics(m),
		processor.WithLogger(logger),
		processor.WithTimeout(cfg.TryOn.Timeout()),
	)
	return proc, closer, nil
}

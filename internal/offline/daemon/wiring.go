package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/storyforge/storyforge/internal/assets"
	"github.com/storyforge/storyforge/internal/config"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/engine"
	"github.com/storyforge/storyforge/internal/remote"
)

// BuildRemote creates the services actions are dispatched to. The media
// endpoints always use the HTTP client; the decomposer is the HTTP client
// or Claude depending on remote.decomposer.
func BuildRemote(cfg *config.Config) (engine.Remote, error) {
	client, err := remote.NewClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	services := remote.NewServices(client)

	if cfg.Remote.Decomposer == "anthropic" {
		claude, err := remote.NewClaudeDecomposer(remote.ClaudeConfig{
			APIKey: cfg.Anthropic.APIKey,
			Model:  cfg.Anthropic.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create claude decomposer: %w", err)
		}
		services.Decomposer = claude
	}
	return services, nil
}

// BuildMirror connects the asset mirror, or returns nil when assets are
// disabled.
func BuildMirror(cfg *config.Config, logger *log.Logger) (engine.Mirror, error) {
	if !cfg.Assets.Enabled {
		return nil, nil
	}
	m, err := assets.NewMirror(assets.Config{
		Endpoint:  cfg.Assets.Endpoint,
		AccessKey: cfg.Assets.AccessKey,
		SecretKey: cfg.Assets.SecretKey,
		Bucket:    cfg.Assets.Bucket,
		UseSSL:    cfg.Assets.UseSSL,
		URLExpiry: cfg.Assets.URLExpiry,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EngineConfig maps the sync section onto engine settings.
func EngineConfig(cfg *config.Config, mirror engine.Mirror, logger *log.Logger) engine.Config {
	return engine.Config{
		Retry: db.RetryPolicy{
			MaxRetries: cfg.Sync.MaxRetries,
			BaseDelay:  cfg.Sync.BaseBackoff,
			MaxDelay:   cfg.Sync.MaxBackoff,
		},
		DispatchTimeout: cfg.Sync.DispatchTimeout,
		PollInterval:    cfg.Sync.PollInterval,
		SweepInterval:   cfg.Sync.SweepInterval,
		Retention:       cfg.Sync.Retention,
		Mirror:          mirror,
		Logger:          logger,
	}
}

// probeTimeout bounds one reachability probe.
func probeTimeout(interval time.Duration) time.Duration {
	if t := interval / 3; t > 0 && t < 3*time.Second {
		return t
	}
	return 3 * time.Second
}

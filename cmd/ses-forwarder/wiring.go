package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/dkim"
	"github.com/shineum/ses-forwarder/internal/forwarder"
	"github.com/shineum/ses-forwarder/internal/relay"
	"github.com/shineum/ses-forwarder/internal/relay/graph"
	"github.com/shineum/ses-forwarder/internal/relay/ses"
	"github.com/shineum/ses-forwarder/internal/relay/smtp"
	"github.com/shineum/ses-forwarder/internal/relay/stdout"
	"github.com/shineum/ses-forwarder/internal/store"
	"github.com/shineum/ses-forwarder/internal/store/dir"
	"github.com/shineum/ses-forwarder/internal/store/s3"
	smtptls "github.com/shineum/ses-forwarder/internal/tls"
)

// newForwarder validates cfg and builds the forwarder with its store and
// relay.
func newForwarder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*forwarder.Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := selectStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rl, err := selectRelay(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.DKIMEnabled() {
		signer, err := dkim.NewSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		logger.Info("DKIM signing enabled",
			"domain", cfg.DKIM.Domain,
			"selector", cfg.DKIM.Selector,
		)
		rl = dkim.Wrap(rl, signer)
	}

	return forwarder.New(cfg, st, rl, logger), nil
}

// selectStore chooses the blob store holding the raw messages.
func selectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreS3:
		logger.Info("using S3 store",
			"bucket", cfg.Store.Bucket,
			"region", cfg.Store.Region,
			"key_prefix", cfg.Store.KeyPrefix,
		)
		s, err := s3.New(ctx, s3.Config{
			Bucket: cfg.Store.Bucket,
			Region: cfg.Store.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
		return s, nil

	case config.StoreDir:
		logger.Info("using directory store",
			"dir", cfg.Store.Dir,
			"key_prefix", cfg.Store.KeyPrefix,
		)
		s, err := dir.New(cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create directory store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// selectRelay chooses the outbound delivery backend based on configuration.
func selectRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Relay, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		logger.Info("using AWS SES relay",
			"region", cfg.SES.Region,
			"configuration_set", cfg.SES.ConfigurationSet,
		)
		r, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES relay: %w", err)
		}
		return r, nil

	case config.ProviderSMTP:
		logger.Info("using SMTP relay",
			"addr", cfg.SMTP.Addr,
			"tls_mode", cfg.SMTP.TLSMode,
			"auth_enabled", cfg.SMTPAuthEnabled(),
		)
		tlsConfig, err := smtptls.ClientConfig(smtp.Host(cfg.SMTP.Addr), cfg.SMTP.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to setup SMTP relay TLS: %w", err)
		}
		return smtp.New(smtp.Config{
			Addr:      cfg.SMTP.Addr,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			HeloName:  cfg.SMTP.HeloName,
			TLSMode:   cfg.SMTP.TLSMode,
			TLSConfig: tlsConfig,
		}), nil

	case config.ProviderGraph:
		logger.Info("using Microsoft Graph relay",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		logger.Info("using stdout relay")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown relay provider %q", cfg.Provider)
	}
}

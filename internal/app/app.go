// Package app assembles the vault, consent and audit services from a
// config.Config. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hushh-labs/consent-protocol-sub006/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub006/internal/config"
	"github.com/hushh-labs/consent-protocol-sub006/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub006/internal/platform"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

// SigningKeyID names the consent signing seed in the keyring.
const SigningKeyID = "consent-signing-seed"

type App struct {
	Config   *config.Config
	Wrappers *vault.WrapperStore
	Unlocker *vault.Unlocker
	Consent  *consent.Service
	// Chain is nil unless audit.chain is set.
	Chain *audit.Chain

	closers []func() error
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	engine, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	vs, ts, closeStores, err := cfg.Stores(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStores)

	sink, err := a.auditSink(cfg.Audit, log)
	if err != nil {
		return nil, err
	}

	a.Wrappers = vault.NewWrapperStore(vs,
		vault.WithEngine(engine),
		vault.WithTimeout(cfg.Storage.Timeout),
		vault.WithAudit(sink),
		vault.WithLogger(log.With().Str("component", "vault").Logger()),
	)
	a.Unlocker = vault.NewUnlocker(a.Wrappers, vault.Policy{LockTimeout: cfg.Session.TTL})

	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	var opts []consent.Option
	if len(cfg.Consent.Scopes) > 0 {
		scopes, err := consent.NewScopes(cfg.Consent.Scopes...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, consent.WithScopes(scopes))
	}
	opts = append(opts,
		consent.WithTTL(cfg.Consent.TTL),
		consent.WithMaxTTL(cfg.Consent.MaxTTL),
		consent.WithGrace(cfg.Consent.Grace),
		consent.WithTimeout(cfg.Storage.Timeout),
		consent.WithAudit(sink),
		consent.WithLogger(log.With().Str("component", "consent").Logger()),
	)
	a.Consent, err = consent.NewService(signer, ts, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Consent.Close(); return nil })

	ok = true
	return a, nil
}

func (a *App) auditSink(cfg config.AuditConfig, log zerolog.Logger) (audit.Sink, error) {
	sinks := []audit.Sink{audit.NewLogger(log)}
	if cfg.Chain {
		a.Chain = audit.NewChainWindow(cfg.ChainWindow)
		sinks = append(sinks, a.Chain)
	}
	if cfg.NATSURL != "" {
		n, err := audit.NewNATS(cfg.NATSURL, cfg.Subject, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { n.Close(); return nil })
		sinks = append(sinks, n)
	}
	return audit.Multi(sinks...), nil
}

// loadSigner reads the signing seed from the keyring, creating it on first
// use. An ephemeral keyring config generates a fresh seed instead.
func loadSigner(cfg *config.Config) (*consent.Signer, error) {
	if cfg.Keyring.Ephemeral {
		seed, err := consent.GenerateSeed()
		if err != nil {
			return nil, err
		}
		return consent.NewSignerFromSeed(seed, cfg.Consent.Issuer)
	}
	kc, err := platform.OpenKeychain(platform.KeychainConfig{
		Service:  cfg.Keyring.Service,
		Dir:      cfg.Keyring.Dir,
		Password: os.Getenv(cfg.Keyring.PasswordEnv),
	})
	if err != nil {
		return nil, err
	}
	seed, err := kc.LoadOrCreate(SigningKeyID, consent.GenerateSeed)
	if err != nil {
		return nil, err
	}
	return consent.NewSignerFromSeed(seed, cfg.Consent.Issuer)
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

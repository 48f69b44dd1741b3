// Package app wires every CORE component into a running process
// (spec.md §6): construction order, startup sequencing, and
// coordinated shutdown.
//
// Grounded on bnema/gordon's cmd/start.go runStart (construct
// dependencies bottom-up, derive a cancellable root context, run the
// long-lived loops as goroutines feeding a shared error channel, then
// select on an OS signal or the first goroutine error to begin
// shutdown).
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bnema/harborgate/internal/blacklist"
	"github.com/bnema/harborgate/internal/certprovider"
	"github.com/bnema/harborgate/internal/certstore"
	"github.com/bnema/harborgate/internal/challenge"
	"github.com/bnema/harborgate/internal/containersource"
	"github.com/bnema/harborgate/internal/harborconfig"
	"github.com/bnema/harborgate/internal/harborlog"
	"github.com/bnema/harborgate/internal/observer"
	"github.com/bnema/harborgate/internal/oidcauth"
	"github.com/bnema/harborgate/internal/pipeline"
	"github.com/bnema/harborgate/internal/renewal"
	"github.com/bnema/harborgate/internal/routetable"
	"github.com/bnema/harborgate/internal/tlsfront"
)

var log = harborlog.Component("app")

// ServiceName and Version are surfaced on the health endpoint
// (spec.md §4.10 step 3).
const ServiceName = "harborgate"

// Version is overridden at build time via -ldflags.
var Version = "dev"

// App holds every constructed component for one process lifetime.
type App struct {
	cfg      *harborconfig.Config
	routes   *routetable.Table
	observer *observer.Observer
	renewal  *renewal.Loop
	front    *tlsfront.Front
}

// New constructs every CORE component from cfg, wiring C1-C12 per
// spec.md §2's data-flow diagram. dockerSock may be empty to use the
// engine's default connection.
func New(cfg *harborconfig.Config, dockerSock string) (*App, error) {
	routes := routetable.New()

	source, err := containersource.NewDockerSource(dockerSock)
	if err != nil {
		return nil, fmt.Errorf("app: container source: %w", err)
	}
	obs := observer.New(source, routes)

	store, err := certstore.New(cfg.Cert.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("app: certificate store: %w", err)
	}

	challenges := challenge.New()

	provider, err := newCertProvider(cfg, store, challenges)
	if err != nil {
		return nil, fmt.Errorf("app: certificate provider: %w", err)
	}

	var authenticator *oidcauth.Authenticator
	if cfg.OIDC.Enabled {
		authenticator, err = oidcauth.New(context.Background(), oidcauth.Config{
			Authority:            cfg.OIDC.Authority,
			ClientID:             cfg.OIDC.ClientID,
			ClientSecret:         cfg.OIDC.ClientSecret,
			CallbackPath:         cfg.OIDC.CallbackPath,
			RoleClaimType:        cfg.OIDC.RoleClaimType,
			RequireHTTPSMetadata: cfg.OIDC.RequireHTTPSMetadata,
			SaveTokens:           cfg.OIDC.SaveTokens,
			PublicOrigin:         cfg.OIDC.PublicOrigin,
			SessionKey:           sessionKey(),
		})
		if err != nil {
			return nil, fmt.Errorf("app: oidc authenticator: %w", err)
		}
	}

	var bl *blacklist.List
	if cfg.Store.Dir != "" {
		bl, err = blacklist.New(filepath.Join(cfg.Store.Dir, "blacklist.yml"))
		if err != nil {
			return nil, fmt.Errorf("app: blacklist: %w", err)
		}
	}

	pl := pipeline.New(pipeline.Config{
		ServiceName:     ServiceName,
		Version:         Version,
		HTTPSEnabled:    cfg.HTTP.HTTPSEnabled,
		RedirectToHTTPS: cfg.HTTP.RedirectToHTTPS,
		HTTPSPort:       cfg.HTTP.HTTPSPort,
	}, routes, challenges, bl, authenticator)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpsAddr := fmt.Sprintf(":%d", cfg.HTTP.HTTPSPort)
	front := tlsfront.New(httpAddr, httpsAddr, pl.Handler(), store, provider)

	renewalLoop := renewal.New(renewal.StoreHosts{Store: store}, provider)

	return &App{
		cfg:      cfg,
		routes:   routes,
		observer: obs,
		renewal:  renewalLoop,
		front:    front,
	}, nil
}

func newCertProvider(cfg *harborconfig.Config, store *certstore.Store, challenges *challenge.Store) (certprovider.Provider, error) {
	switch cfg.Cert.Provider {
	case harborconfig.ProviderSelfSigned:
		return certprovider.NewSelfSigned(store), nil
	case harborconfig.ProviderLetsEncrypt:
		return certprovider.NewACME(certprovider.ACMEConfig{
			Email:              cfg.ACME.Email,
			Staging:            cfg.ACME.Staging,
			DirectoryURL:       cfg.ACME.DirectoryURL,
			InsecureSkipVerify: cfg.ACME.InsecureSkipVerify,
		}, store, challenges)
	default:
		return nil, fmt.Errorf("app: unknown certificate provider %q", cfg.Cert.Provider)
	}
}

// sessionKey derives the cookie-encryption key. TODO: source this from
// cfg/KMS instead of a process-lifetime random key once session
// persistence across restarts is required.
func sessionKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal("failed to generate session key", "error", err)
	}
	return key
}

// Run starts the observer and renewal loop, then serves HTTP/HTTPS
// until ctx is cancelled or a component fails fatally (spec.md §5
// "Cancellation").
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)

	go func() {
		if err := a.observer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("container observer: %w", err)
			return
		}
		errs <- nil
	}()

	go func() {
		a.renewal.Run(ctx)
		errs <- nil
	}()

	go func() {
		if err := a.front.ListenAndServe(ctx); err != nil {
			errs <- fmt.Errorf("tls front-end: %w", err)
			return
		}
		errs <- nil
	}()

	log.Info("harborgate started",
		"http_port", a.cfg.HTTP.Port, "https_port", a.cfg.HTTP.HTTPSPort,
		"cert_provider", a.cfg.Cert.Provider, "oidc_enabled", a.cfg.OIDC.Enabled)

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

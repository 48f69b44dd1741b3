// Package tlsfront runs the plaintext and TLS listeners of spec.md
// §4.9, serving certificates on demand through a GetCertificate
// callback that consults the certificate store and falls back to
// blocking acquisition.
//
// Grounded on bnema/gordon's internal/proxy/proxy.go Serve method:
// two *http.Server values sharing one echo.Echo handler, TLSConfig's
// GetCertificate wired to the certificate manager, MinVersion pinned
// to TLS 1.2, and generous Read/Write/Idle timeouts for long-lived
// WebSocket connections.
package tlsfront

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/bnema/harborgate/internal/certprovider"
	"github.com/bnema/harborgate/internal/certstore"
	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("tlsfront")

const (
	readTimeout  = 5 * time.Minute
	writeTimeout = 5 * time.Minute
	idleTimeout  = 120 * time.Second
)

// Front owns the plaintext and TLS listeners.
type Front struct {
	store    *certstore.Store
	provider certprovider.Provider

	httpServer  *http.Server
	httpsServer *http.Server
}

// New builds a Front bound to httpAddr and httpsAddr (e.g. ":80" and
// ":443"), serving handler on both. store and provider back the TLS
// SNI callback.
func New(httpAddr, httpsAddr string, handler http.Handler, store *certstore.Store, provider certprovider.Provider) *Front {
	f := &Front{store: store, provider: provider}

	f.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	f.httpsServer = &http.Server{
		Addr:    httpsAddr,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: f.getCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return f
}

// getCertificate implements tls.Config.GetCertificate: look up the
// SNI host in the store, and if absent block on the provider to
// acquire one (spec.md §4.9 edge case: "no matching record: fall back
// to blocking Acquire").
func (f *Front) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("tlsfront: client hello carries no SNI server name")
	}

	if record, ok := f.store.Get(host); ok {
		return &record.Chain, nil
	}

	log.Info("no cached certificate for host, acquiring", "host", host)
	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := f.provider.Acquire(ctx, host)
	if err != nil {
		log.Error("certificate acquisition failed", "host", host, "error", err)
		return nil, err
	}
	return &record.Chain, nil
}

// ListenAndServe starts both listeners in background goroutines and
// blocks until ctx is cancelled, then gracefully shuts both down.
func (f *Front) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		log.Info("starting plaintext listener", "addr", f.httpServer.Addr)
		if err := f.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		log.Info("starting tls listener", "addr", f.httpsServer.Addr)
		if err := f.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("https listener: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return f.shutdown()
	case err := <-errCh:
		if err != nil {
			_ = f.shutdown()
			return err
		}
	}
	return nil
}

func (f *Front) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	log.Info("shutting down listeners")
	httpErr := f.httpServer.Shutdown(shutdownCtx)
	httpsErr := f.httpsServer.Shutdown(shutdownCtx)
	if httpErr != nil {
		return httpErr
	}
	return httpsErr
}

package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/harborgate/internal/harborconfig"
)

// TestNewWiresSelfSignedProviderWithoutOIDC exercises the construction
// path most deployments use: no ACME account registration, no OIDC
// discovery round trip, so it stays hermetic.
func TestNewWiresSelfSignedProviderWithoutOIDC(t *testing.T) {
	dir := t.TempDir()
	cfg := &harborconfig.Config{
		HTTP: harborconfig.HTTPConfig{Port: 0, HTTPSPort: 0, HTTPSEnabled: true, RedirectToHTTPS: true},
		Cert: harborconfig.CertConfig{StoragePath: filepath.Join(dir, "certs"), Provider: harborconfig.ProviderSelfSigned},
		Store: harborconfig.StoreConfig{Dir: dir},
	}

	a, err := New(cfg, "/nonexistent/docker.sock")
	// DockerSource construction itself doesn't dial; it should succeed
	// even against an unreachable socket path.
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, a.front)
	require.NotNil(t, a.renewal)
	require.NotNil(t, a.observer)
}

// TestRunStopsOnContextCancellation verifies the three long-running
// loops all exit and Run returns once ctx is cancelled, without
// requiring a real Docker daemon (the observer's first List call will
// fail, which Run must tolerate rather than hang).
func TestRunStopsOnContextCancellation(t *testing.T) {
	dir := t.TempDir()
	cfg := &harborconfig.Config{
		HTTP:  harborconfig.HTTPConfig{Port: 0, HTTPSPort: 0, HTTPSEnabled: false, RedirectToHTTPS: false},
		Cert:  harborconfig.CertConfig{StoragePath: filepath.Join(dir, "certs"), Provider: harborconfig.ProviderSelfSigned},
		Store: harborconfig.StoreConfig{Dir: dir},
	}

	a, err := New(cfg, "/nonexistent/docker.sock")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context deadline")
	}
}

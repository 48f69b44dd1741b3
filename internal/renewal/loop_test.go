package renewal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnema/harborgate/internal/certstore"
)

type fakeHosts []string

func (f fakeHosts) Hosts() []string { return f }

type fakeProvider struct {
	mu       sync.Mutex
	needs    map[string]bool
	renewed  []string
	failWith map[string]error
}

func (p *fakeProvider) Acquire(ctx context.Context, host string) (certstore.Record, error) {
	return certstore.Record{Host: host}, nil
}

func (p *fakeProvider) NeedsRenewal(host string) bool {
	return p.needs[host]
}

func (p *fakeProvider) Renew(ctx context.Context, host string) (certstore.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failWith[host]; ok {
		return certstore.Record{}, err
	}
	p.renewed = append(p.renewed, host)
	return certstore.Record{Host: host}, nil
}

func TestSweepRenewsOnlyHostsThatNeedIt(t *testing.T) {
	hosts := fakeHosts{"fresh.test", "stale.test"}
	provider := &fakeProvider{needs: map[string]bool{"stale.test": true}}
	l := New(hosts, provider)

	l.sweep(context.Background())

	require.Equal(t, []string{"stale.test"}, provider.renewed)
}

// TestSweepContinuesPastFailures verifies spec.md §4.8: one host's
// renewal error must not abort the sweep of the remaining hosts.
func TestSweepContinuesPastFailures(t *testing.T) {
	hosts := fakeHosts{"broken.test", "ok.test"}
	provider := &fakeProvider{
		needs:    map[string]bool{"broken.test": true, "ok.test": true},
		failWith: map[string]error{"broken.test": assertErr},
	}
	l := New(hosts, provider)

	l.sweep(context.Background())

	require.Equal(t, []string{"ok.test"}, provider.renewed)
}

var assertErr = &sweepTestError{"simulated renewal failure"}

type sweepTestError struct{ msg string }

func (e *sweepTestError) Error() string { return e.msg }

func TestSweepStopsWhenContextCancelled(t *testing.T) {
	hosts := fakeHosts{"a.test", "b.test"}
	provider := &fakeProvider{needs: map[string]bool{"a.test": true, "b.test": true}}
	l := New(hosts, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.sweep(ctx)
	require.Empty(t, provider.renewed)
}

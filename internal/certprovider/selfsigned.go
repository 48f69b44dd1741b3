package certprovider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/bnema/harborgate/internal/certstore"
)

// selfSignedValidity is the lifetime of a generated leaf (spec.md §4.7).
const selfSignedValidity = 365 * 24 * time.Hour

// SelfSigned issues ad-hoc, self-signed leaf certificates. It never
// contacts an external CA, so Acquire and Renew never block on
// network I/O.
type SelfSigned struct {
	store *certstore.Store
	sf    *singleflight
}

// NewSelfSigned returns a Provider that persists issued certificates
// into store.
func NewSelfSigned(store *certstore.Store) *SelfSigned {
	return &SelfSigned{store: store, sf: newSingleflight()}
}

func (p *SelfSigned) Acquire(ctx context.Context, host string) (certstore.Record, error) {
	if record, ok := p.store.Get(host); ok {
		return record, nil
	}
	return p.issue(host, false)
}

func (p *SelfSigned) NeedsRenewal(host string) bool {
	record, ok := p.store.Get(host)
	if !ok {
		return true
	}
	return !record.Fresh(time.Now())
}

// Renew always mints a fresh certificate, even though the cached
// record is still Fresh — that is precisely the case the renewal loop
// calls Renew for (spec.md §4.8: "renewing certificates nearing
// expiry", well before they go absent from the store).
func (p *SelfSigned) Renew(ctx context.Context, host string) (certstore.Record, error) {
	return p.issue(host, true)
}

// issue mints a certificate for host, coalescing concurrent callers
// through the singleflight. force skips the cached-record short
// circuit: it is set by Renew, which must always re-issue, and unset
// by Acquire, which is a genuine cache lookup where a concurrent
// caller may have just issued the cert while we waited on the lock.
func (p *SelfSigned) issue(host string, force bool) (certstore.Record, error) {
	return p.sf.do(host, func() (certstore.Record, error) {
		if !force {
			if record, ok := p.store.Get(host); ok {
				return record, nil
			}
		}

		log.Info("issuing self-signed certificate", "host", host)

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return certstore.Record{}, fmt.Errorf("generate key: %w", err)
		}

		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return certstore.Record{}, fmt.Errorf("generate serial: %w", err)
		}

		now := time.Now()
		template := &x509.Certificate{
			SerialNumber:          serial,
			Subject:               pkix.Name{CommonName: host},
			DNSNames:              []string{host},
			NotBefore:             now.Add(-time.Hour),
			NotAfter:              now.Add(selfSignedValidity),
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
			IsCA:                  false,
		}

		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		if err != nil {
			return certstore.Record{}, fmt.Errorf("create certificate: %w", err)
		}

		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			return certstore.Record{}, fmt.Errorf("parse generated certificate: %w", err)
		}

		chain := tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		}

		if err := p.store.Store(host, chain, certstore.OriginSelfSigned); err != nil {
			return certstore.Record{}, fmt.Errorf("persist certificate: %w", err)
		}

		record, _ := p.store.Get(host)
		return record, nil
	})
}

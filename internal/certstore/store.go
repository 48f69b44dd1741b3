// Package certstore implements the thread-safe in-memory + on-disk
// certificate cache keyed by host (spec.md §4.6).
//
// Grounded on bnema/gordon's internal/proxy/certificates.go with the
// teacher's ad-hoc persistence replaced by the PKCS#12 format spec.md
// §3/§6 mandates. Store holds an exclusive write lock across the map
// update and the disk write; Get and Hosts take a shared read lock, so
// readers do not wait on each other but do wait while a Store is in
// progress.
package certstore

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("certstore")

// Origin records how a certificate was obtained.
type Origin string

const (
	OriginSelfSigned Origin = "SelfSigned"
	OriginACME       Origin = "ACME"
	OriginLoaded     Origin = "Loaded"
)

// FreshnessWindow is how long before expiry a record stops being
// "fresh" (spec.md §3).
const FreshnessWindow = 30 * 24 * time.Hour

// Record is a cached certificate chain plus its provenance.
type Record struct {
	Host      string
	Chain     tls.Certificate
	IssuedAt  time.Time
	NotAfter  time.Time
	Origin    Origin
}

// Fresh reports whether the record is still usable at now.
func (r Record) Fresh(now time.Time) bool {
	return now.Before(r.NotAfter.Add(-FreshnessWindow))
}

// Expired reports whether the record's NotAfter has already passed.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.NotAfter)
}

// Store is the host -> Record cache.
type Store struct {
	storagePath string

	mu      sync.RWMutex
	records map[string]Record
}

// New creates a Store rooted at storagePath (may be empty to disable
// persistence) and loads any PKCS#12 archives already on disk.
func New(storagePath string) (*Store, error) {
	s := &Store{
		storagePath: storagePath,
		records:     make(map[string]Record),
	}

	if storagePath == "" {
		return s, nil
	}
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(storagePath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pfx") {
			continue
		}
		path := filepath.Join(storagePath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to read certificate archive, skipping", "path", path, "error", err)
			continue
		}
		record, err := decodeRecord(data, OriginLoaded)
		if err != nil {
			log.Warn("failed to decode certificate archive, skipping", "path", path, "error", err)
			continue
		}
		if record.Expired(time.Now()) {
			log.Warn("loaded certificate already expired, keeping as expired record", "host", record.Host)
		}
		s.records[record.Host] = record
	}
	log.Info("loaded certificates from disk", "count", len(s.records), "path", storagePath)
	return s, nil
}

// Get returns the record for host, or (Record{}, false) if absent or
// expired (spec.md §4.6: "returns absent if the record is expired").
func (s *Store) Get(host string) (Record, bool) {
	s.mu.RLock()
	record, ok := s.records[host]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	if record.Expired(time.Now()) {
		return Record{}, false
	}
	return record, true
}

// Hosts returns every host currently cached, regardless of freshness.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.records))
	for host := range s.records {
		hosts = append(hosts, host)
	}
	return hosts
}

// Store replaces the record for host and persists it to disk as a
// PKCS#12 archive (empty password).
func (s *Store) Store(host string, chain tls.Certificate, origin Origin) error {
	leaf := chain.Leaf
	if leaf == nil && len(chain.Certificate) > 0 {
		parsed, err := x509.ParseCertificate(chain.Certificate[0])
		if err != nil {
			return err
		}
		leaf = parsed
		chain.Leaf = parsed
	}

	record := Record{
		Host:     host,
		Chain:    chain,
		IssuedAt: time.Now(),
		NotAfter: leaf.NotAfter,
		Origin:   origin,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[host] = record

	if s.storagePath == "" {
		log.Info("certificate stored (persistence disabled)", "host", host, "origin", origin)
		return nil
	}

	caCerts := make([]*x509.Certificate, 0, len(chain.Certificate)-1)
	for _, der := range chain.Certificate[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		caCerts = append(caCerts, cert)
	}

	blob, err := pkcs12.Encode(rand.Reader, chain.PrivateKey, leaf, caCerts, "")
	if err != nil {
		return err
	}

	path := filepath.Join(s.storagePath, Sanitize(host)+".pfx")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return err
	}

	log.Info("certificate stored and persisted", "host", host, "origin", origin, "path", path)
	return nil
}

func decodeRecord(data []byte, origin Origin) (Record, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, "")
	if err != nil {
		return Record{}, err
	}

	raw := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		raw = append(raw, ca.Raw)
	}

	return Record{
		Host:     hostFromCert(cert),
		NotAfter: cert.NotAfter,
		IssuedAt: cert.NotBefore,
		Origin:   origin,
		Chain: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        cert,
		},
	}, nil
}

func hostFromCert(cert *x509.Certificate) string {
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return cert.Subject.CommonName
}

// Sanitize replaces any filesystem-invalid character with "_",
// deterministically and without collisions for legal DNS hostnames
// (spec.md §4.6).
func Sanitize(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

package certprovider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/bnema/harborgate/internal/certstore"
	"github.com/bnema/harborgate/internal/challenge"
)

// ACMEConfig configures the Let's Encrypt client (spec.md §4.7, §6).
type ACMEConfig struct {
	Email              string
	Staging            bool
	DirectoryURL       string // overrides Staging when non-empty
	InsecureSkipVerify bool
}

// acmeUser implements registration.User. Its key is generated once per
// process and not persisted across restarts: acceptable under
// spec.md's Non-goals (no account-state persistence is required), and
// lego re-registers transparently against an existing account email.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// challengeProvider bridges lego's HTTP-01 challenge to the shared
// internal/challenge.Store, so the token is served by the request
// pipeline's existing ACME responder route (spec.md §4.10) instead of
// a second listener the way the teacher's http01.NewProviderServer
// does it.
type challengeProvider struct {
	store *challenge.Store
}

func (p *challengeProvider) Present(domain, token, keyAuth string) error {
	p.store.Add(token, keyAuth)
	return nil
}

func (p *challengeProvider) CleanUp(domain, token, keyAuth string) error {
	p.store.Remove(token)
	return nil
}

// ACME issues certificates from an ACME CA (Let's Encrypt by default)
// using the HTTP-01 challenge type.
type ACME struct {
	store      *certstore.Store
	challenges *challenge.Store
	sf         *singleflight
	client     *lego.Client
}

// NewACME registers an ACME account and returns a ready Provider.
// Registration happens once at construction, matching spec.md §4.7's
// requirement that account setup not block individual Acquire calls.
func NewACME(cfg ACMEConfig, store *certstore.Store, challenges *challenge.Store) (*ACME, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{email: cfg.Email, key: key}

	legoCfg := lego.NewConfig(user)
	legoCfg.Certificate.KeyType = certcrypto.EC256
	switch {
	case cfg.DirectoryURL != "":
		legoCfg.CADirURL = cfg.DirectoryURL
	case cfg.Staging:
		legoCfg.CADirURL = lego.LEDirectoryStaging
	default:
		legoCfg.CADirURL = lego.LEDirectoryProduction
	}
	if cfg.InsecureSkipVerify {
		legoCfg.HTTPClient.Transport = insecureTransport()
	}

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	if err := client.Challenge.SetHTTP01Provider(&challengeProvider{store: challenges}); err != nil {
		return nil, fmt.Errorf("set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}
	user.reg = reg

	log.Info("acme account registered", "email", cfg.Email, "staging", cfg.Staging, "uri", reg.URI)

	return &ACME{
		store:      store,
		challenges: challenges,
		sf:         newSingleflight(),
		client:     client,
	}, nil
}

func (p *ACME) Acquire(ctx context.Context, host string) (certstore.Record, error) {
	if record, ok := p.store.Get(host); ok {
		return record, nil
	}
	return p.issue(ctx, host, false)
}

func (p *ACME) NeedsRenewal(host string) bool {
	record, ok := p.store.Get(host)
	if !ok {
		return true
	}
	return !record.Fresh(time.Now())
}

// Renew always requests a fresh certificate from the CA, even though
// the cached record is still Fresh — that is precisely the case the
// renewal loop calls Renew for (spec.md §4.8: "renewing certificates
// nearing expiry", well before they go absent from the store).
func (p *ACME) Renew(ctx context.Context, host string) (certstore.Record, error) {
	return p.issue(ctx, host, true)
}

// issue requests a certificate for host, coalescing concurrent callers
// through the singleflight. force skips the cached-record short
// circuit: it is set by Renew, which must always re-issue, and unset
// by Acquire, which is a genuine cache lookup where a concurrent
// caller may have just issued the cert while we waited on the lock.
func (p *ACME) issue(ctx context.Context, host string, force bool) (certstore.Record, error) {
	return p.sf.do(host, func() (certstore.Record, error) {
		if !force {
			if record, ok := p.store.Get(host); ok {
				return record, nil
			}
		}

		log.Info("requesting certificate from acme ca", "host", host)

		request := certificate.ObtainRequest{
			Domains: []string{host},
			Bundle:  true,
		}

		resource, err := p.client.Certificate.Obtain(request)
		if err != nil {
			return certstore.Record{}, fmt.Errorf("obtain certificate for %s: %w", host, err)
		}

		chain, err := tls.X509KeyPair(resource.Certificate, resource.PrivateKey)
		if err != nil {
			return certstore.Record{}, fmt.Errorf("parse issued certificate: %w", err)
		}

		if err := p.store.Store(host, chain, certstore.OriginACME); err != nil {
			return certstore.Record{}, fmt.Errorf("persist certificate: %w", err)
		}

		record, _ := p.store.Get(host)
		return record, nil
	})
}

// insecureTransport disables certificate verification on the ACME
// client's HTTP transport. Used only against a local/staging ACME
// server during development (spec.md §6's acmeSkipVerify option);
// never enabled by default.
func insecureTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in dev flag
	return transport
}

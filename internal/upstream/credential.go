package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Credential is an issued DEX-C access token and its expiry.
type Credential struct {
	Token string
	Exp   time.Time
}

// CredentialState is the DEX-C credential manager's state (spec.md §4.8).
type CredentialState int

const (
	CredentialAbsent CredentialState = iota
	CredentialValid
	CredentialRefreshing
)

// ChallengeSolvingClient performs whatever challenge-response handshake
// DEX-C's gasless-quote API requires and returns a fresh Credential.
// A concrete implementation lives alongside the production DEX-C endpoint;
// tests substitute a fake.
type ChallengeSolvingClient interface {
	Issue(ctx context.Context, httpClient *http.Client) (Credential, error)
}

const credentialExpirySkew = 10 * time.Second

type credResult struct {
	cred Credential
	err  error
}

// CredentialManager is a single-flight state machine for DEX-C credentials:
// Absent -> Refreshing -> Valid(exp) -> Absent, with every concurrent caller
// during a Refreshing window sharing the one in-flight issuance (invariant 6,
// scenario S5). Grounded on the Hub's register/unregister channel-mediated
// single-owner pattern in websocket.go, adapted here to a mutex + waiter list
// since there is no long-lived event loop to own the state.
type CredentialManager struct {
	issuer ChallengeSolvingClient

	mu      sync.Mutex
	state   CredentialState
	cred    Credential
	waiters []chan credResult
}

// NewCredentialManager constructs a manager starting in the Absent state.
func NewCredentialManager(issuer ChallengeSolvingClient) *CredentialManager {
	return &CredentialManager{issuer: issuer, state: CredentialAbsent}
}

// Get returns a valid credential, refreshing it if absent, expired, or
// reusing an in-flight refresh if one is already underway.
func (m *CredentialManager) Get(ctx context.Context, httpClient *http.Client) (Credential, error) {
	m.mu.Lock()
	switch m.state {
	case CredentialValid:
		if time.Now().Before(m.cred.Exp.Add(-credentialExpirySkew)) {
			cred := m.cred
			m.mu.Unlock()
			return cred, nil
		}
		// expired: fall through to refresh
	case CredentialRefreshing:
		ch := make(chan credResult, 1)
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		select {
		case res := <-ch:
			return res.cred, res.err
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}

	m.state = CredentialRefreshing
	m.mu.Unlock()

	cred, err := m.issuer.Issue(ctx, httpClient)

	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	if err != nil {
		m.state = CredentialAbsent
	} else {
		m.state = CredentialValid
		m.cred = cred
	}
	m.mu.Unlock()

	for _, w := range waiters {
		w <- credResult{cred: cred, err: err}
	}
	return cred, err
}

// Invalidate forces the next Get to re-issue, used when a request comes back
// 401/403 against a credential this manager believed was still valid.
func (m *CredentialManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == CredentialValid {
		m.state = CredentialAbsent
	}
}

// State reports the current state, for diagnostics/tests.
func (m *CredentialManager) State() CredentialState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

package cloud

import (
	"context"
	"log/slog"
	"sync"
)

// Account identifies one cloud login.
type Account struct {
	ID       string
	Server   string
	Account  string
	Password string
}

type session struct {
	provider Provider
	homes    map[string]string
}

// SessionRegistry caches logged-in providers per account. A cached session
// is validated with a home-list probe before reuse; a failed probe forces a
// fresh login. The registry is owned by its creator and passed explicitly.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger

	// newProvider is swappable for tests.
	newProvider func(server, account, password string) (Provider, error)
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]*session),
		logger:      logger,
		newProvider: NewProvider,
	}
}

// GetOrLogin returns a validated provider for the account, logging in when
// no valid cached session exists. The returned map holds the account's
// homes.
func (r *SessionRegistry) GetOrLogin(ctx context.Context, acct Account) (Provider, map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[acct.ID]; ok {
		homes, err := s.provider.ListHomes(ctx)
		if err == nil && len(homes) > 0 {
			s.homes = homes
			return s.provider, homes, nil
		}
		r.logger.Warn("cached cloud session invalid, re-login", "account", acct.Account, "error", err)
		delete(r.sessions, acct.ID)
	}

	provider, err := r.newProvider(acct.Server, acct.Account, acct.Password)
	if err != nil {
		return nil, nil, err
	}
	if err := provider.Login(ctx); err != nil {
		return nil, nil, err
	}
	homes, err := provider.ListHomes(ctx)
	if err != nil {
		return nil, nil, err
	}

	r.sessions[acct.ID] = &session{provider: provider, homes: homes}
	r.logger.Debug("cloud session cached", "account", acct.Account, "homes", len(homes))
	return provider, homes, nil
}

// Invalidate drops the cached session for an account.
func (r *SessionRegistry) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, accountID)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hkit.org/internal/domain"
	"hkit.org/internal/events"
	"hkit.org/internal/obs"
)

// IdentityProvider authenticates callers and announces session changes.
type IdentityProvider interface {
	SignUp(ctx context.Context, in SignUpInput) (domain.Identity, error)
	SignIn(ctx context.Context, email, password string) (Tokens, domain.Identity, error)
	Refresh(ctx context.Context, token string) (Tokens, error)
	SignOut(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
	Subscribe(ctx context.Context) <-chan SessionEvent
}

// SignUpInput is the self-service sign-up form. Only the MoH role can be
// self-assigned; other roles come from registration approval.
type SignUpInput struct {
	Email     string      `json:"email"`
	Password  string      `json:"password"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Role      domain.Role `json:"role"`
}

type identityStore interface {
	domain.IdentityStore
	domain.ProfileStore
}

// LocalProvider is an IdentityProvider backed by the service's own store.
type LocalProvider struct {
	store  identityStore
	tokens *TokenIssuer
	events *events.Broker[SessionEvent]
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// ProviderOption configures LocalProvider behavior.
type ProviderOption func(*LocalProvider)

// WithProviderClock overrides the time source (useful for tests).
func WithProviderClock(fn func() time.Time) ProviderOption {
	return func(p *LocalProvider) {
		if fn != nil {
			p.now = fn
		}
	}
}

func NewLocalProvider(store identityStore, tokens *TokenIssuer, opts ...ProviderOption) *LocalProvider {
	p := &LocalProvider{
		store:   store,
		tokens:  tokens,
		events:  events.New[SessionEvent](0),
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *LocalProvider) SignUp(ctx context.Context, in SignUpInput) (domain.Identity, error) {
	email := normalizeEmail(in.Email)
	if !strings.Contains(email, "@") {
		return domain.Identity{}, fmt.Errorf("%w: email is invalid", domain.ErrValidation)
	}
	if in.Role != domain.RoleNone && in.Role != domain.RoleMoH {
		return domain.Identity{}, fmt.Errorf("%w: role %q requires an approved registration", domain.ErrValidation, in.Role)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return domain.Identity{}, err
	}
	id, _, err := p.store.CreateIdentity(ctx, domain.NewIdentity{
		Email:        email,
		PasswordHash: hash,
		Role:         in.Role,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	})
	if err != nil {
		return domain.Identity{}, err
	}
	obs.Logger().Info().Str("identity_id", id.ID).Str("role", string(in.Role)).Msg("identity signed up")
	return id, nil
}

func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (Tokens, domain.Identity, error) {
	cred, err := p.store.FindCredential(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Tokens{}, domain.Identity{}, ErrInvalidCredentials
		}
		return Tokens{}, domain.Identity{}, err
	}
	if err := VerifyPassword(cred.PasswordHash, password); err != nil {
		return Tokens{}, domain.Identity{}, ErrInvalidCredentials
	}
	tokens, _, err := p.tokens.Issue(cred.Identity)
	if err != nil {
		return Tokens{}, domain.Identity{}, err
	}
	p.publish(EventSignedIn, cred.Identity)
	return tokens, cred.Identity, nil
}

// Refresh exchanges a valid token for a new one and revokes the old one.
func (p *LocalProvider) Refresh(ctx context.Context, token string) (Tokens, error) {
	claims, id, err := p.verify(ctx, token)
	if err != nil {
		return Tokens{}, err
	}
	tokens, _, err := p.tokens.Issue(id)
	if err != nil {
		return Tokens{}, err
	}
	p.revoke(claims)
	p.publish(EventRefreshed, id)
	return tokens, nil
}

func (p *LocalProvider) SignOut(ctx context.Context, token string) error {
	claims, id, err := p.verify(ctx, token)
	if err != nil {
		return err
	}
	p.revoke(claims)
	p.publish(EventSignedOut, id)
	return nil
}

func (p *LocalProvider) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	_, id, err := p.verify(ctx, token)
	return id, err
}

func (p *LocalProvider) Subscribe(ctx context.Context) <-chan SessionEvent {
	return p.events.Subscribe(ctx)
}

// Close ends all subscriptions.
func (p *LocalProvider) Close() {
	p.events.Close()
}

func (p *LocalProvider) verify(ctx context.Context, token string) (*Claims, domain.Identity, error) {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return nil, domain.Identity{}, err
	}
	if p.isRevoked(claims.ID) {
		return nil, domain.Identity{}, ErrInvalidToken
	}
	id, err := p.store.FindIdentity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Identity{}, ErrInvalidToken
		}
		return nil, domain.Identity{}, err
	}
	return claims, id, nil
}

func (p *LocalProvider) revoke(claims *Claims) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for jti, exp := range p.revoked {
		if now.After(exp) {
			delete(p.revoked, jti)
		}
	}
	p.revoked[claims.ID] = claims.ExpiresAt.Time
}

func (p *LocalProvider) isRevoked(jti string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.revoked[jti]
	return ok
}

func (p *LocalProvider) publish(kind SessionEventKind, id domain.Identity) {
	p.events.Publish(SessionEvent{Kind: kind, Identity: id, At: p.now().UTC()})
}

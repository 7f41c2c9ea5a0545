package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hkit.org/internal/domain"
	"hkit.org/internal/store/memory"
)

const testSecret = "test-secret-that-is-long-enough-123456"

func newProvider(t *testing.T) (*LocalProvider, *memory.Store) {
	t.Helper()
	store := memory.NewDemo()
	tokens, err := NewTokenIssuer(testSecret, time.Hour, nil)
	require.NoError(t, err)
	p := NewLocalProvider(store, tokens)
	t.Cleanup(p.Close)
	return p, store
}

func TestSignUpSignInRoundTrip(t *testing.T) {
	p, store := newProvider(t)
	ctx := context.Background()

	id, err := p.SignUp(ctx, SignUpInput{Email: " Ada@Kwara.gov.ng ", Password: "s3cret-pass", FirstName: "Ada", Role: domain.RoleMoH})
	require.NoError(t, err)
	assert.Equal(t, "ada@kwara.gov.ng", id.Email)

	profile, err := store.FindProfile(ctx, id.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMoH, profile.Role)

	tokens, signedIn, err := p.SignIn(ctx, "ada@kwara.gov.ng", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, id.ID, signedIn.ID)
	assert.Equal(t, "Bearer", tokens.TokenType)

	got, err := p.Authenticate(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id.ID, got.ID)
}

func TestSignUpRejectsProvisionedRoles(t *testing.T) {
	p, _ := newProvider(t)
	_, err := p.SignUp(context.Background(), SignUpInput{Email: "x@y.z", Password: "long-enough", Role: domain.RoleFacilityAdmin})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = p.SignUp(context.Background(), SignUpInput{Email: "x@y.z", Password: "short"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// signUpRecorder counts identity writes and can fail them.
type signUpRecorder struct {
	*memory.Store
	calls []domain.NewIdentity
	fail  error
}

func (r *signUpRecorder) CreateIdentity(ctx context.Context, in domain.NewIdentity) (domain.Identity, domain.Profile, error) {
	r.calls = append(r.calls, in)
	if r.fail != nil {
		return domain.Identity{}, domain.Profile{}, r.fail
	}
	return r.Store.CreateIdentity(ctx, in)
}

func TestSignUpWritesIdentityAndRoleTogether(t *testing.T) {
	rec := &signUpRecorder{Store: memory.New()}
	tokens, err := NewTokenIssuer(testSecret, time.Hour, nil)
	require.NoError(t, err)
	p := NewLocalProvider(rec, tokens)
	t.Cleanup(p.Close)
	ctx := context.Background()

	id, err := p.SignUp(ctx, SignUpInput{Email: "ada@kwara.gov.ng", Password: "s3cret-pass", FirstName: " Ada ", Role: domain.RoleMoH})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, domain.RoleMoH, rec.calls[0].Role)
	assert.Equal(t, "Ada", rec.calls[0].FirstName)
	profile, err := rec.FindProfile(ctx, id.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMoH, profile.Role)

	rec.fail = domain.Unavailable("create identity", errors.New("connection reset"))
	_, err = p.SignUp(ctx, SignUpInput{Email: "bola@kwara.gov.ng", Password: "s3cret-pass", Role: domain.RoleMoH})
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	_, err = rec.FindCredential(ctx, "bola@kwara.gov.ng")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a failed sign-up leaves no identity behind")

	rec.fail = nil
	_, err = p.SignUp(ctx, SignUpInput{Email: "ADA@kwara.gov.ng", Password: "other-pass", Role: domain.RoleMoH})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSignInWrongPassword(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, SignUpInput{Email: "a@b.c", Password: "correct-horse"})
	require.NoError(t, err)

	_, _, err = p.SignIn(ctx, "a@b.c", "wrong-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	_, _, err = p.SignIn(ctx, "nobody@b.c", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignOutRevokesToken(t *testing.T) {
	p, _ := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := p.SignUp(ctx, SignUpInput{Email: "a@b.c", Password: "correct-horse"})
	require.NoError(t, err)

	events := p.Subscribe(ctx)
	tokens, _, err := p.SignIn(ctx, "a@b.c", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx, tokens.AccessToken))

	_, err = p.Authenticate(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, EventSignedIn, (<-events).Kind)
	assert.Equal(t, EventSignedOut, (<-events).Kind)
}

func TestRefreshRotatesToken(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, SignUpInput{Email: "a@b.c", Password: "correct-horse"})
	require.NoError(t, err)
	tokens, _, err := p.SignIn(ctx, "a@b.c", "correct-horse")
	require.NoError(t, err)

	next, err := p.Refresh(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.NotEqual(t, tokens.AccessToken, next.AccessToken)

	_, err = p.Authenticate(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = p.Authenticate(ctx, next.AccessToken)
	assert.NoError(t, err)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(testSecret, time.Minute, clock)
	require.NoError(t, err)

	tokens, _, err := issuer.Issue(domain.Identity{ID: "u1", Email: "u@x.y"})
	require.NoError(t, err)
	claims, err := issuer.Parse(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Parse(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewTokenIssuer("another-secret-that-is-long-enough", time.Minute, clock)
	require.NoError(t, err)
	_, err = other.Parse(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionWatcherResolvesProviderEvents(t *testing.T) {
	p, store := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewSessionWatcher(NewResolver(store, store, WithSleeper(func(context.Context, time.Duration) error { return nil })))
	resolved := w.Subscribe(ctx)
	go w.Run(ctx, p.Subscribe(ctx))

	_, err := p.SignUp(ctx, SignUpInput{Email: "moh@kwara.gov.ng", Password: "correct-horse", Role: domain.RoleMoH})
	require.NoError(t, err)
	_, err = p.SignUp(ctx, SignUpInput{Email: "new@kwara.gov.ng", Password: "correct-horse"})
	require.NoError(t, err)

	tokens, _, err := p.SignIn(ctx, "moh@kwara.gov.ng", "correct-horse")
	require.NoError(t, err)
	got := <-resolved
	assert.Equal(t, "/dashboard", LandingPath(got.Session))

	_, _, err = p.SignIn(ctx, "new@kwara.gov.ng", "correct-horse")
	require.NoError(t, err)
	got = <-resolved
	assert.Equal(t, StatePendingProvisioning, got.Session.State)
	assert.Equal(t, PathPendingSetup, LandingPath(got.Session))

	require.NoError(t, p.SignOut(ctx, tokens.AccessToken))
	got = <-resolved
	assert.Equal(t, PathSignIn, LandingPath(got.Session))
}

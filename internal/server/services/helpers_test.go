package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/accounts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var fastParams = auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeOTP hands out 100001, 100002, ... so every challenge has a distinct code.
type fakeOTP struct {
	mu  sync.Mutex
	n   int
	ttl time.Duration
	err error
}

func (g *fakeOTP) Generate(now time.Time) (*auth.OTP, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.n++
	return &auth.OTP{Code: fmt.Sprintf("%d", 100000+g.n), ExpiresAt: now.Add(g.ttl)}, nil
}

type fakeNotifier struct {
	mu              sync.Mutex
	codes           map[string][]string
	passwordChanged []string

	otpErr             error
	passwordChangedErr error
}

func (n *fakeNotifier) SendOTP(ctx context.Context, email, name, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.otpErr != nil {
		return n.otpErr
	}
	if n.codes == nil {
		n.codes = make(map[string][]string)
	}
	n.codes[email] = append(n.codes[email], code)
	return nil
}

func (n *fakeNotifier) SendPasswordChanged(ctx context.Context, email, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.passwordChangedErr != nil {
		return n.passwordChangedErr
	}
	n.passwordChanged = append(n.passwordChanged, email)
	return nil
}

func (n *fakeNotifier) lastCode(t *testing.T, email string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.codes[email]
	require.NotEmpty(t, codes, "no code delivered to %s", email)
	return codes[len(codes)-1]
}

func (n *fakeNotifier) sentCount(email string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.codes[email])
}

func (n *fakeNotifier) fail(otpErr, passwordChangedErr error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.otpErr, n.passwordChangedErr = otpErr, passwordChangedErr
}

// failingRepo wraps a repository and fails the selected calls.
type failingRepo struct {
	accounts.Repository
	findErr   error
	createErr error
	updateErr error
}

func (r *failingRepo) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.Repository.FindByEmail(ctx, email)
}

func (r *failingRepo) FindByID(ctx context.Context, id string) (*models.Account, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.Repository.FindByID(ctx, id)
}

func (r *failingRepo) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.Repository.Create(ctx, a)
}

func (r *failingRepo) UpdateFields(ctx context.Context, id string, p models.AccountPatch) (*models.Account, error) {
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	return r.Repository.UpdateFields(ctx, id, p)
}

type testEnv struct {
	svc      *AuthService
	repo     *failingRepo
	hasher   *auth.Argon2idHasher
	issuer   *auth.Issuer
	otp      *fakeOTP
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	clock    *fakeClock
	logs     *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	hasher := auth.NewArgon2idHasher(fastParams)
	issuer, err := auth.NewIssuer([]byte("test-secret"), 15*time.Minute, 7*24*time.Hour, auth.WithClock(clock.Now))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(logs, nil)))

	e := &testEnv{
		repo:     &failingRepo{Repository: accounts.NewMemoryRepository()},
		hasher:   hasher,
		issuer:   issuer,
		otp:      &fakeOTP{ttl: auth.DefaultOTPTTL},
		notifier: &fakeNotifier{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		clock:    clock,
		logs:     logs,
	}

	e.svc, err = NewAuthService(e.repo, hasher, e.otp, issuer, e.notifier, e.metrics, logger, WithClock(clock.Now))
	require.NoError(t, err)
	return e
}

// signIn registers an account and completes both login steps.
func (e *testEnv) signIn(t *testing.T, name, email, password string) (*RegisterResult, *auth.TokenPair) {
	t.Helper()
	ctx := context.Background()

	res, err := e.svc.Register(ctx, name, email, password)
	require.NoError(t, err)

	require.NoError(t, e.svc.Login(ctx, email, password))
	pair, err := e.svc.VerifyOTP(ctx, email, e.notifier.lastCode(t, email))
	require.NoError(t, err)

	return res, pair
}

func (e *testEnv) account(t *testing.T, email string) *models.Account {
	t.Helper()
	a, err := e.repo.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return a
}

var errBackend = errors.New("backend down")

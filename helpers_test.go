package handover_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"

	"github.com/goliatone/go-handover"
)

const (
	testSigningKey = "test-signing-key-0123456789abcdef"
	testPassword   = "correct-horse-1"
)

// testClock advances by a millisecond on every read so ledger entries never
// share a timestamp.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []handover.Notification
	err  error
}

func (n *captureNotifier) Notify(_ context.Context, msg handover.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *captureNotifier) Last(kind handover.NotificationKind) (handover.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind {
			return n.sent[i], true
		}
	}
	return handover.Notification{}, false
}

func (n *captureNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type capturingSink struct {
	mu     sync.Mutex
	events []handover.ActivityEvent
}

func (c *capturingSink) Record(_ context.Context, evt handover.ActivityEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturingSink) Of(eventType handover.ActivityEventType) []handover.ActivityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []handover.ActivityEvent
	for _, evt := range c.events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type testEnv struct {
	clock         *testClock
	db            *bun.DB
	repo          handover.RepositoryManager
	hasher        handover.PasswordHasher
	tokens        *handover.TokenServiceImpl
	auth          *handover.Authenticator
	registry      *handover.TokenRegistry
	handovers     *handover.Handovers
	profiles      *handover.Profiles
	resetInit     *handover.InitializePasswordResetHandler
	resetFinalize *handover.FinalizePasswordResetHandler
	notifier      *captureNotifier
	sink          *capturingSink
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := handover.OpenDB(handover.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, handover.Migrate(ctx, db))

	env := &testEnv{
		clock:    newTestClock(),
		db:       db,
		hasher:   handover.NewBcryptHasher(bcrypt.MinCost),
		notifier: &captureNotifier{},
		sink:     &capturingSink{},
	}

	env.repo = handover.NewRepositoryManager(db, handover.WithAccountsClock(env.clock.Now))
	require.NoError(t, env.repo.Validate())

	env.tokens = handover.NewTokenService([]byte(testSigningKey), time.Hour, "go-handover", []string{"web"}, nil).
		WithClock(env.clock.Now)
	env.auth = handover.NewAuthenticator(env.repo, env.tokens, env.hasher).WithActivitySink(env.sink)
	env.registry = handover.NewTokenRegistry(env.repo).WithClock(env.clock.Now)

	env.handovers = handover.NewHandovers(env.repo, env.registry, env.auth, env.hasher).
		WithClock(env.clock.Now).
		WithNotifier(env.notifier).
		WithActivitySink(env.sink).
		WithLinkBaseURL("https://alumni.example.edu/")
	env.profiles = handover.NewProfiles(env.repo).WithActivitySink(env.sink)
	env.resetInit = handover.NewInitializePasswordResetHandler(env.repo, env.registry).
		WithNotifier(env.notifier).
		WithActivitySink(env.sink)
	env.resetFinalize = handover.NewFinalizePasswordResetHandler(env.repo, env.registry, env.hasher).
		WithActivitySink(env.sink)

	return env
}

type studentSeed struct {
	email         string
	uin           string
	classYear     int
	personalEmail string
}

func (e *testEnv) seedStudent(t testing.TB, s studentSeed) *handover.Account {
	t.Helper()

	msg := handover.RegisterAccountMessage{
		Email:         s.email,
		Password:      testPassword,
		UIN:           s.uin,
		PersonalEmail: s.personalEmail,
		Role:          handover.RoleStudent,
	}
	if s.classYear != 0 {
		year := s.classYear
		msg.ClassYear = &year
	}

	var created *handover.Account
	msg.OnResponse = func(account *handover.Account) { created = account }
	require.NoError(t, handover.NewRegisterAccountHandler(e.repo, e.hasher).Execute(context.Background(), msg))
	require.NotNil(t, created)
	return created
}

func (e *testEnv) seedAdmin(t *testing.T, email string) *handover.Actor {
	t.Helper()

	var created *handover.Account
	err := handover.NewRegisterAccountHandler(e.repo, e.hasher).Execute(context.Background(), handover.RegisterAccountMessage{
		Email:      email,
		Password:   testPassword,
		Role:       handover.RoleAdmin,
		OnResponse: func(account *handover.Account) { created = account },
	})
	require.NoError(t, err)
	return handover.ActorFromAccount(created)
}

func intPtr(v int) *int { return &v }

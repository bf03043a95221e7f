package handover_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-handover"
)

func claimTokenFromLink(t *testing.T, link string) string {
	t.Helper()
	_, fragment, ok := strings.Cut(link, "#claim?")
	require.True(t, ok, "unexpected claim link %q", link)
	values, err := url.ParseQuery(fragment)
	require.NoError(t, err)
	token := values.Get("token")
	require.NotEmpty(t, token)
	return token
}

func TestAdminHandover_MovesAccountToPersonalEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026})

	res, err := env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{
		UIN:           "1000001",
		PersonalEmail: "Ada@Personal.example",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Session, "admin handovers do not sign the student in")

	account := res.Account
	assert.Equal(t, student.ID, account.ID, "the same record is kept")
	assert.Equal(t, "ada@personal.example", account.Email)
	assert.Nil(t, account.UIN)
	assert.Equal(t, handover.RoleAlumnus, account.Role)
	assert.NotNil(t, account.HandedOverAt)
	assert.Equal(t, handover.StatePersonal, handover.StateOf(account))

	entry := res.Entry
	assert.Equal(t, student.ID, entry.AccountID)
	assert.Equal(t, "ada@school.edu", entry.AccountEmail)
	assert.Equal(t, "1000001", entry.PreviousUIN)
	assert.Equal(t, "ada@personal.example", entry.NewPersonalEmail)
	assert.Equal(t, handover.PerformedByAdmin("registrar@school.edu"), entry.PerformedBy)
	require.NotNil(t, entry.ClassYear)
	assert.Equal(t, 2026, *entry.ClassYear)

	_, err = env.auth.Signin(ctx, "ada@personal.example", testPassword)
	assert.NoError(t, err, "password is kept by admin handovers")
	_, err = env.auth.Signin(ctx, "ada@school.edu", testPassword)
	assert.True(t, handover.IsUnauthorized(err))

	_, err = env.repo.Accounts().AccountByUIN(ctx, "1000001")
	assert.True(t, handover.IsNotFound(err))

	sent, ok := env.notifier.Last(handover.NotificationHandoverComplete)
	require.True(t, ok)
	assert.Equal(t, "ada@personal.example", sent.To)

	completed := env.sink.Of(handover.ActivityEventHandoverCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, string(handover.StateInstitutional), completed[0].Metadata["from"])
}

func TestAdminHandover_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026})
	env.seedStudent(t, studentSeed{email: "taken@personal.example", uin: "1000002"})

	tests := []struct {
		name  string
		actor *handover.Actor
		req   handover.HandoverRequest
		check func(error) bool
	}{
		{
			name:  "anonymous",
			req:   handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example"},
			check: handover.IsForbidden,
		},
		{
			name:  "student actor",
			actor: handover.ActorFromAccount(student),
			req:   handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example"},
			check: handover.IsForbidden,
		},
		{
			name:  "admin sets password",
			actor: admin,
			req:   handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example", Password: "another-password-1"},
			check: handover.IsValidation,
		},
		{
			name:  "malformed uin",
			actor: admin,
			req:   handover.HandoverRequest{UIN: "12ab", PersonalEmail: "ada@personal.example"},
			check: handover.IsValidation,
		},
		{
			name:  "unknown uin",
			actor: admin,
			req:   handover.HandoverRequest{UIN: "9999999", PersonalEmail: "ada@personal.example"},
			check: handover.IsNotFound,
		},
		{
			name:  "missing personal email",
			actor: admin,
			req:   handover.HandoverRequest{UIN: "1000001"},
			check: handover.IsValidation,
		},
		{
			name:  "personal email belongs to another account",
			actor: admin,
			req:   handover.HandoverRequest{UIN: "1000001", PersonalEmail: "Taken@personal.example"},
			check: handover.IsConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.handovers.InitiateAdminHandover(ctx, tt.actor, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind %s: %v", handover.Kind(err), err)
		})
	}

	account, err := env.repo.Accounts().AccountByID(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, handover.StateInstitutional, handover.StateOf(account), "failed handovers change nothing")

	entries, err := env.handovers.Ledger().List(ctx, admin, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotEmpty(t, env.sink.Of(handover.ActivityEventHandoverFailed))
}

func TestGraduationHandover_SelfService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026})
	actor := handover.ActorFromAccount(student)

	_, err := env.handovers.GraduationHandover(ctx, actor, handover.HandoverRequest{
		UIN:           "1000002",
		PersonalEmail: "ada@personal.example",
	})
	assert.True(t, handover.IsForbidden(err), "uin must belong to the caller")

	_, err = env.handovers.GraduationHandover(ctx, nil, handover.HandoverRequest{UIN: "1000001"})
	assert.True(t, handover.IsUnauthorized(err))

	res, err := env.handovers.GraduationHandover(ctx, actor, handover.HandoverRequest{
		UIN:           "1000001",
		PersonalEmail: "ada@personal.example",
		ClassYear:     intPtr(2025),
		Password:      "brand-new-password",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, handover.PerformedBySelf, res.Entry.PerformedBy)
	require.NotNil(t, res.Account.ClassYear)
	assert.Equal(t, 2025, *res.Account.ClassYear)

	verified, err := env.auth.Verify(ctx, res.Session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ada@personal.example", verified.Email)
	assert.Equal(t, handover.RoleAlumnus, verified.Role)

	_, err = env.auth.Signin(ctx, "ada@personal.example", "brand-new-password")
	assert.NoError(t, err)

	_, err = env.handovers.GraduationHandover(ctx, verified, handover.HandoverRequest{
		UIN:           "1000001",
		PersonalEmail: "ada@personal.example",
	})
	assert.True(t, handover.IsConflict(err), "second handover is a conflict, got %s", handover.Kind(err))
}

func TestGraduationHandover_PersonalAccountIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.auth.Signup(ctx, handover.SignupRequest{
		Email:         "grace@personal.example",
		Password:      testPassword,
		FormerStudent: true,
		ClassYear:     intPtr(1999),
	})
	require.NoError(t, err)

	_, err = env.handovers.GraduationHandover(ctx, handover.ActorFromAccount(session.Account), handover.HandoverRequest{
		UIN:           "1000001",
		PersonalEmail: "grace2@personal.example",
	})
	assert.True(t, handover.IsForbidden(err))
}

func TestClaimFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := env.seedStudent(t, studentSeed{
		email:         "ada@school.edu",
		uin:           "1000001",
		classYear:     2026,
		personalEmail: "ada@personal.example",
	})

	res, err := env.handovers.RequestMagicLink(ctx, "ADA@school.edu")
	require.NoError(t, err)
	assert.Equal(t, handover.GenericAckMessage, res.Message)
	assert.True(t, res.Issued)
	assert.True(t, strings.HasPrefix(res.Link, "https://alumni.example.edu/#claim?token="), res.Link)

	sent, ok := env.notifier.Last(handover.NotificationClaimLink)
	require.True(t, ok)
	assert.Equal(t, "ada@personal.example", sent.To, "claim links go to the personal address")
	assert.Equal(t, res.Link, sent.Link)

	token := claimTokenFromLink(t, res.Link)

	pending, err := env.repo.Accounts().AccountByID(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, handover.StatePending, handover.StateOf(pending))

	info, err := env.handovers.GetClaimInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ada@school.edu", info.Email)
	assert.Equal(t, "1000001", info.UIN)

	_, err = env.handovers.CompleteClaim(ctx, token, "short")
	assert.True(t, handover.IsValidation(err))

	session, err := env.handovers.CompleteClaim(ctx, token, "claimed-password-1")
	require.NoError(t, err)
	assert.Equal(t, student.ID, session.Account.ID)
	assert.Equal(t, "ada@personal.example", session.Account.Email)
	assert.Equal(t, handover.StatePersonal, handover.StateOf(session.Account))

	_, err = env.handovers.CompleteClaim(ctx, token, "claimed-password-2")
	assert.True(t, handover.IsInvalidOrExpired(err))
	_, err = env.handovers.GetClaimInfo(ctx, token)
	assert.True(t, handover.IsInvalidOrExpired(err))

	_, err = env.auth.Signin(ctx, "ada@personal.example", "claimed-password-1")
	assert.NoError(t, err)
}

func TestClaimFlow_WithoutPersonalEmailKeepsAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026})

	res, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)

	session, err := env.handovers.CompleteClaim(ctx, claimTokenFromLink(t, res.Link), "claimed-password-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@school.edu", session.Account.Email)
	assert.Nil(t, session.Account.UIN)
}

func TestRequestMagicLink_IndistinguishableResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})
	env.seedStudent(t, studentSeed{email: "bob@school.edu", uin: "1000002"})

	_, err := env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{UIN: "1000002", PersonalEmail: "bob@personal.example"})
	require.NoError(t, err)
	before := env.notifier.Count()

	unknown, err := env.handovers.RequestMagicLink(ctx, "nobody@school.edu")
	require.NoError(t, err)
	personal, err := env.handovers.RequestMagicLink(ctx, "bob@personal.example")
	require.NoError(t, err)
	known, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)

	assert.Equal(t, known.Message, unknown.Message)
	assert.Equal(t, known.Message, personal.Message)
	assert.False(t, unknown.Issued)
	assert.False(t, personal.Issued)
	assert.True(t, known.Issued)
	assert.Equal(t, before+1, env.notifier.Count())

	_, err = env.handovers.RequestMagicLink(ctx, "not-an-email")
	assert.True(t, handover.IsValidation(err))
}

func TestRequestMagicLink_SupersedesPreviousLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	first, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)
	second, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)

	_, err = env.handovers.GetClaimInfo(ctx, claimTokenFromLink(t, first.Link))
	assert.True(t, handover.IsInvalidOrExpired(err))
	_, err = env.handovers.GetClaimInfo(ctx, claimTokenFromLink(t, second.Link))
	assert.NoError(t, err)
}

func TestAdminHandover_RevokesOutstandingClaimLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	link, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)

	_, err = env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example"})
	require.NoError(t, err, "pending accounts can still be handed over by an admin")

	_, err = env.handovers.CompleteClaim(ctx, claimTokenFromLink(t, link.Link), "claimed-password-1")
	assert.True(t, handover.IsInvalidOrExpired(err))

	entries, err := env.handovers.Ledger().List(ctx, admin, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one ledger entry per handover")
}

func TestHandoverPaths_ProduceEquivalentEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026, personalEmail: "ada@personal.example"})
	env.seedStudent(t, studentSeed{email: "bob@school.edu", uin: "1000002", classYear: 2026, personalEmail: "bob@personal.example"})

	_, err := env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{UIN: "1000001"})
	require.NoError(t, err)

	link, err := env.handovers.RequestMagicLink(ctx, "bob@school.edu")
	require.NoError(t, err)
	_, err = env.handovers.CompleteClaim(ctx, claimTokenFromLink(t, link.Link), "claimed-password-1")
	require.NoError(t, err)

	entries, err := env.handovers.Ledger().List(ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	claimed, adminDone := entries[0], entries[1]
	assert.True(t, claimed.Timestamp.After(adminDone.Timestamp), "newest entries come first")

	assert.Equal(t, handover.PerformedBySelf, claimed.PerformedBy)
	assert.True(t, handover.IsAdminPerformed(adminDone.PerformedBy))

	for _, e := range entries {
		local := strings.TrimSuffix(e.AccountEmail, "@school.edu")
		assert.Equal(t, local+"@personal.example", e.NewPersonalEmail)
		assert.NotEmpty(t, e.PreviousUIN)
		require.NotNil(t, e.ClassYear)
		assert.Equal(t, 2026, *e.ClassYear)
	}
}

func TestLedger_ListRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	_, err := env.handovers.Ledger().List(ctx, nil, 10)
	assert.True(t, handover.IsForbidden(err))

	_, err = env.handovers.Ledger().List(ctx, handover.ActorFromAccount(student), 10)
	assert.True(t, handover.IsForbidden(err))
}

func TestScanGraduates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "old@school.edu", uin: "1000001", classYear: 2025})
	env.seedStudent(t, studentSeed{email: "now@school.edu", uin: "1000002", classYear: 2026})
	env.seedStudent(t, studentSeed{email: "later@school.edu", uin: "1000003", classYear: 2028})
	env.seedStudent(t, studentSeed{email: "unknown@school.edu", uin: "1000004"})

	report, err := env.handovers.ScanGraduates(ctx, 2026)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Issued)
	assert.Zero(t, report.Failed)

	again, err := env.handovers.ScanGraduates(ctx, 2026)
	require.NoError(t, err)
	assert.Zero(t, again.Issued, "pending accounts with a live link are skipped")
	assert.Equal(t, 2, again.Skipped)
	assert.Len(t, env.sink.Of(handover.ActivityEventClaimLinkIssued), 2)

	first, ok := env.notifier.Last(handover.NotificationClaimLink)
	require.True(t, ok)
	env.clock.Advance(handover.DefaultClaimTTL + 24*time.Hour)
	_, err = env.handovers.GetClaimInfo(ctx, claimTokenFromLink(t, first.Link))
	require.True(t, handover.IsInvalidOrExpired(err))

	reissued, err := env.handovers.ScanGraduates(ctx, 2026)
	require.NoError(t, err)
	assert.Equal(t, 2, reissued.Issued, "expired links are issued again")
	assert.Zero(t, reissued.Skipped)
	assert.Len(t, env.sink.Of(handover.ActivityEventClaimLinkIssued), 4)

	fresh, ok := env.notifier.Last(handover.NotificationClaimLink)
	require.True(t, ok)
	info, err := env.handovers.GetClaimInfo(ctx, claimTokenFromLink(t, fresh.Link))
	require.NoError(t, err)
	assert.NotNil(t, info)

	old, err := env.repo.Accounts().AccountByUIN(ctx, "1000001")
	require.NoError(t, err)
	assert.Equal(t, handover.StatePending, handover.StateOf(old))

	_, err = env.handovers.ScanGraduates(ctx, 42)
	assert.True(t, handover.IsValidation(err))
}

func TestNotifierFailureDoesNotFailHandover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.notifier.err = errors.New("smtp down")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	res, err := env.handovers.RequestMagicLink(ctx, "ada@school.edu")
	require.NoError(t, err)
	assert.True(t, res.Issued)

	failures := env.sink.Of(handover.ActivityEventNotificationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, string(handover.NotificationClaimLink), failures[0].Metadata["kind"])
}

func TestStateMachineHookCanVetoHandover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	veto := errors.New("handovers are frozen")
	env.handovers.WithStateMachine(handover.NewHandoverStateMachine(
		handover.WithBeforeTransitionHook(func(ctx context.Context, tc handover.TransitionContext) error {
			return veto
		}),
	))

	_, err := env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example"})
	require.Error(t, err)

	account, err := env.repo.Accounts().AccountByUIN(ctx, "1000001")
	require.NoError(t, err)
	assert.Equal(t, handover.StateInstitutional, handover.StateOf(account))
}

func TestOperationTimeoutBoundsStoreCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001", classYear: 2026})

	env.profiles.WithTimeout(time.Nanosecond)
	_, err := env.profiles.GetProfile(ctx, handover.ActorFromAccount(student))
	assert.True(t, handover.IsTransient(err), "got %v", err)

	env.handovers.WithTimeout(time.Nanosecond)
	_, err = env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{
		UIN:           "1000001",
		PersonalEmail: "ada@personal.example",
	})
	assert.True(t, handover.IsTransient(err), "got %v", err)

	account, err := env.repo.Accounts().AccountByUIN(ctx, "1000001")
	require.NoError(t, err)
	assert.Equal(t, handover.StateInstitutional, handover.StateOf(account))
}

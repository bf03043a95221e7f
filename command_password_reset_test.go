package handover_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-handover"
)

func requestReset(t *testing.T, env *testEnv, email string) *handover.InitializePasswordResetResponse {
	t.Helper()
	var res *handover.InitializePasswordResetResponse
	err := env.resetInit.Execute(context.Background(), handover.InitializePasswordResetMessage{
		Email:      email,
		OnResponse: func(r *handover.InitializePasswordResetResponse) { res = r },
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestPasswordReset_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	res := requestReset(t, env, "Ada@School.edu")
	assert.Equal(t, handover.GenericAckMessage, res.Message)
	assert.True(t, res.Issued)

	sent, ok := env.notifier.Last(handover.NotificationPasswordReset)
	require.True(t, ok)
	assert.Equal(t, "ada@school.edu", sent.To)
	require.Len(t, sent.Code, handover.ResetCodeDigits)

	err := env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email:    "other@school.edu",
		Code:     sent.Code,
		Password: "reset-password-1",
	})
	assert.True(t, handover.IsInvalidOrExpired(err), "codes only work with their email")

	err = env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email:    "ada@school.edu",
		Code:     sent.Code,
		Password: "reset-password-1",
	})
	require.NoError(t, err)

	_, err = env.auth.Signin(ctx, "ada@school.edu", "reset-password-1")
	assert.NoError(t, err)
	_, err = env.auth.Signin(ctx, "ada@school.edu", testPassword)
	assert.True(t, handover.IsUnauthorized(err))

	err = env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email:    "ada@school.edu",
		Code:     sent.Code,
		Password: "reset-password-2",
	})
	assert.True(t, handover.IsInvalidOrExpired(err), "codes are single use")

	assert.Len(t, env.sink.Of(handover.ActivityEventPasswordResetRequested), 1)
	assert.Len(t, env.sink.Of(handover.ActivityEventPasswordResetSuccess), 1)
}

func TestPasswordReset_UnknownEmailLooksTheSame(t *testing.T) {
	env := newTestEnv(t)
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	known := requestReset(t, env, "ada@school.edu")
	unknown := requestReset(t, env, "nobody@school.edu")

	assert.Equal(t, known.Message, unknown.Message)
	assert.False(t, unknown.Issued)
	assert.Equal(t, 1, env.notifier.Count())

	err := env.resetInit.Execute(context.Background(), handover.InitializePasswordResetMessage{Email: "nope"})
	assert.True(t, handover.IsValidation(err))
}

func TestPasswordReset_ExpiredAndSupersededCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	requestReset(t, env, "ada@school.edu")
	first, _ := env.notifier.Last(handover.NotificationPasswordReset)
	requestReset(t, env, "ada@school.edu")
	second, _ := env.notifier.Last(handover.NotificationPasswordReset)

	err := env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email: "ada@school.edu", Code: first.Code, Password: "reset-password-1",
	})
	if first.Code != second.Code {
		assert.True(t, handover.IsInvalidOrExpired(err), "a new code supersedes the old one")
	}

	env.clock.Advance(handover.DefaultResetCodeTTL + time.Minute)
	err = env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email: "ada@school.edu", Code: second.Code, Password: "reset-password-1",
	})
	assert.True(t, handover.IsInvalidOrExpired(err))
}

func TestPasswordReset_WeakPasswordKeepsCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	requestReset(t, env, "ada@school.edu")
	sent, _ := env.notifier.Last(handover.NotificationPasswordReset)

	err := env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email: "ada@school.edu", Code: sent.Code, Password: "short",
	})
	assert.True(t, handover.IsValidation(err))

	err = env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{
		Email: "ada@school.edu", Code: sent.Code, Password: "reset-password-1",
	})
	assert.NoError(t, err)
}

func TestPasswordReset_NotifierFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("mailbox full")
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	res := requestReset(t, env, "ada@school.edu")
	assert.Equal(t, handover.GenericAckMessage, res.Message)

	failures := env.sink.Of(handover.ActivityEventNotificationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, string(handover.NotificationPasswordReset), failures[0].Metadata["kind"])
}

func TestPasswordReset_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.resetInit.Execute(ctx, handover.InitializePasswordResetMessage{Email: "ada@school.edu"})
	assert.Error(t, err)
	err = env.resetFinalize.Execute(ctx, handover.FinalizePasswordResetMessage{Email: "ada@school.edu"})
	assert.Error(t, err)
}

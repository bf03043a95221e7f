package handover_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-handover"
)

func TestSignup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("student with uin", func(t *testing.T) {
		session, err := env.auth.Signup(ctx, handover.SignupRequest{
			Email:    " Ada@School.edu ",
			Password: testPassword,
			UIN:      "1000001",
		})
		require.NoError(t, err)
		assert.Equal(t, "ada@school.edu", session.Account.Email)
		assert.Equal(t, handover.RoleStudent, session.Account.Role)
		assert.Equal(t, "Bearer", session.TokenType)
		assert.NotEmpty(t, session.AccessToken)
		assert.Equal(t, handover.StateInstitutional, handover.StateOf(session.Account))
		assert.NotEqual(t, testPassword, session.Account.PasswordDigest)
	})

	t.Run("former student", func(t *testing.T) {
		session, err := env.auth.Signup(ctx, handover.SignupRequest{
			Email:         "grace@personal.example",
			Password:      testPassword,
			FormerStudent: true,
			ClassYear:     intPtr(1999),
		})
		require.NoError(t, err)
		assert.Equal(t, handover.RoleAlumnus, session.Account.Role)
		assert.Equal(t, handover.StatePersonal, handover.StateOf(session.Account))
	})

	t.Run("former student needs class year", func(t *testing.T) {
		_, err := env.auth.Signup(ctx, handover.SignupRequest{
			Email:         "linus@personal.example",
			Password:      testPassword,
			FormerStudent: true,
		})
		require.True(t, handover.IsValidation(err))
		fields := handover.AsRich(err).Metadata["fields"].(map[string]string)
		assert.Contains(t, fields, "classYear")
	})

	t.Run("email differing only in case conflicts", func(t *testing.T) {
		_, err := env.auth.Signup(ctx, handover.SignupRequest{Email: "ADA@school.edu", Password: testPassword})
		assert.True(t, handover.IsConflict(err))
	})

	t.Run("uin already linked", func(t *testing.T) {
		_, err := env.auth.Signup(ctx, handover.SignupRequest{Email: "eve@school.edu", Password: testPassword, UIN: "1000001"})
		assert.True(t, handover.IsConflict(err))
	})

	t.Run("weak password", func(t *testing.T) {
		_, err := env.auth.Signup(ctx, handover.SignupRequest{Email: "weak@school.edu", Password: "short"})
		require.True(t, handover.IsValidation(err))
		fields := handover.AsRich(err).Metadata["fields"].(map[string]string)
		assert.Contains(t, fields, "password")
	})

	assert.Len(t, env.sink.Of(handover.ActivityEventSignup), 2)
}

func TestSignin_UniformFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	_, unknownErr := env.auth.Signin(ctx, "nobody@school.edu", testPassword)
	_, wrongErr := env.auth.Signin(ctx, "ada@school.edu", "wrong-password-1")

	require.Error(t, unknownErr)
	require.Error(t, wrongErr)
	assert.True(t, handover.IsUnauthorized(unknownErr))
	assert.True(t, handover.IsUnauthorized(wrongErr))
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())

	session, err := env.auth.Signin(ctx, "ADA@school.edu", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "ada@school.edu", session.Account.Email)

	assert.Len(t, env.sink.Of(handover.ActivityEventLoginFailure), 2)
	assert.Len(t, env.sink.Of(handover.ActivityEventLoginSuccess), 1)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	session, err := env.auth.IssueSession(student)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		actor, err := env.auth.Verify(ctx, session.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, student.ID, actor.ID)
		assert.Equal(t, handover.RoleStudent, actor.Role)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := env.auth.Verify(ctx, "not-a-token")
		assert.True(t, handover.IsUnauthorized(err))

		_, err = env.auth.Verify(ctx, " ")
		assert.True(t, handover.IsUnauthorized(err))
	})

	t.Run("foreign signing key", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Subject:   student.ID.String(),
			Issuer:    "go-handover",
			Audience:  jwt.ClaimStrings{"web"},
			ExpiresAt: jwt.NewNumericDate(env.clock.Now().Add(time.Hour)),
		}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-key-0123456789abcdef0000"))
		require.NoError(t, err)

		_, err = env.auth.Verify(ctx, forged)
		assert.True(t, handover.IsUnauthorized(err))
	})

	t.Run("expired token", func(t *testing.T) {
		env.clock.Advance(2 * time.Hour)
		_, err := env.auth.Verify(ctx, session.AccessToken)
		assert.True(t, handover.IsUnauthorized(err))
	})
}

func TestVerify_ReflectsHandoverAndDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.seedAdmin(t, "registrar@school.edu")
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	session, err := env.auth.IssueSession(student)
	require.NoError(t, err)

	_, err = env.handovers.InitiateAdminHandover(ctx, admin, handover.HandoverRequest{UIN: "1000001", PersonalEmail: "ada@personal.example"})
	require.NoError(t, err)

	actor, err := env.auth.Verify(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ada@personal.example", actor.Email, "identity is read from the current record")
	assert.Equal(t, handover.RoleAlumnus, actor.Role)

	require.NoError(t, env.profiles.DeleteAccount(ctx, admin.Ref(), "ada@personal.example"))

	_, err = env.auth.Verify(ctx, session.AccessToken)
	assert.True(t, handover.IsUnauthorized(err))
	assert.Len(t, env.sink.Of(handover.ActivityEventAccountDeleted), 1)
}

func TestTokenService_Claims(t *testing.T) {
	env := newTestEnv(t)
	student := env.seedStudent(t, studentSeed{email: "ada@school.edu", uin: "1000001"})

	token, expiresAt, err := env.tokens.Generate(student)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, env.tokens.TTL())

	claims, err := env.tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, student.ID.String(), claims.UserID())
	assert.Equal(t, handover.RoleStudent, claims.Role())
	assert.Equal(t, expiresAt.Unix(), claims.Expires().Unix())

	_, _, err = env.tokens.Generate(nil)
	assert.True(t, handover.IsValidation(err))
}

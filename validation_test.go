package handover_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-handover"
)

func TestValidators(t *testing.T) {
	assert.NoError(t, handover.ValidateEmail("ada@school.edu"))
	assert.Error(t, handover.ValidateEmail(""))
	assert.Error(t, handover.ValidateEmail("ada"))

	assert.NoError(t, handover.ValidatePassword("0123456789"))
	assert.Error(t, handover.ValidatePassword("012345678"))
	assert.Error(t, handover.ValidatePassword(strings.Repeat("x", handover.MaxPasswordLength+1)))

	assert.NoError(t, handover.ValidateUIN("1234567"))
	assert.Error(t, handover.ValidateUIN("123456"))
	assert.Error(t, handover.ValidateUIN("12345ab"))

	assert.NoError(t, handover.ValidateClassYear(nil))
	assert.NoError(t, handover.ValidateClassYear(intPtr(2026)))
	assert.Error(t, handover.ValidateClassYear(intPtr(handover.MinClassYear-1)))
	assert.Error(t, handover.ValidateClassYear(intPtr(handover.MaxClassYear+1)))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ada@school.edu", handover.NormalizeEmail("  Ada@School.EDU "))
	assert.Equal(t, "1000001", handover.NormalizeUIN(" 1000001\t"))
}

func TestRoles(t *testing.T) {
	role, ok := handover.ParseRole(" Admin ")
	assert.True(t, ok)
	assert.Equal(t, handover.RoleAdmin, role)

	_, ok = handover.ParseRole("superuser")
	assert.False(t, ok)

	assert.Equal(t, handover.RoleAlumnus, handover.SignupRole(true))
	assert.Equal(t, handover.RoleStudent, handover.SignupRole(false))

	assert.Equal(t, handover.RoleAlumnus, handover.HandedOverRole(handover.RoleStudent))
	assert.Equal(t, handover.RoleAdmin, handover.HandedOverRole(handover.RoleAdmin))
	assert.Equal(t, handover.RoleAlumnus, handover.HandedOverRole(handover.RoleAlumnus))

	assert.True(t, handover.RoleAdmin.IsAtLeast(handover.RoleStudent))
	assert.False(t, handover.RoleStudent.IsAtLeast(handover.RoleAdmin))
	assert.False(t, handover.AccountRole("ghost").IsAtLeast(handover.RoleStudent))
}

func TestFlexibleYear(t *testing.T) {
	var payload handover.ProfilePayload
	for _, raw := range []string{`2026`, `"2026"`} {
		var y handover.FlexibleYear
		assert.NoError(t, y.UnmarshalJSON([]byte(raw)))
		assert.Equal(t, 2026, *y.Int())
	}

	var y handover.FlexibleYear
	assert.Error(t, y.UnmarshalJSON([]byte(`"soon"`)))
	assert.Nil(t, payload.ClassYear.Int())
}

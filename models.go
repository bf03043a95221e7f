package handover

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountStatus is the persisted lifecycle status of an account.
type AccountStatus string

const (
	AccountStatusActive          AccountStatus = "active"
	AccountStatusPendingHandover AccountStatus = "pending-handover"
)

// Account is the single durable record for a community member. The same row
// is kept across the institutional to personal handover.
type Account struct {
	bun.BaseModel  `bun:"table:accounts,alias:acc"`
	ID             uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	Email          string        `bun:"email,notnull,unique" json:"email"`
	PasswordDigest string        `bun:"password_digest,notnull" json:"-"`
	Role           AccountRole   `bun:"role,notnull" json:"role"`
	UIN            *string       `bun:"uin,unique,nullzero" json:"uin,omitempty"`
	ClassYear      *int          `bun:"class_year,nullzero" json:"classYear,omitempty"`
	PersonalEmail  *string       `bun:"personal_email,nullzero" json:"personalEmail,omitempty"`
	LinkedInURL    *string       `bun:"linkedin_url,nullzero" json:"linkedInUrl,omitempty"`
	Status         AccountStatus `bun:"status,notnull" json:"status"`
	HandedOverAt   *time.Time    `bun:"handed_over_at,nullzero" json:"handedOverAt,omitempty"`
	CreatedAt      time.Time     `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull" json:"updatedAt"`
	DeletedAt      *time.Time    `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// IsInstitutional reports whether the account is still bound to a UIN.
func (a *Account) IsInstitutional() bool {
	return a != nil && a.UIN != nil && *a.UIN != ""
}

// uinValue returns the UIN or an empty string.
func (a *Account) uinValue() string {
	if a == nil || a.UIN == nil {
		return ""
	}
	return *a.UIN
}

func (a *Account) personalEmailValue() string {
	if a == nil || a.PersonalEmail == nil {
		return ""
	}
	return *a.PersonalEmail
}

// DeliveryAddress is where claim links and confirmations are sent.
func (a *Account) DeliveryAddress() string {
	if pe := a.personalEmailValue(); pe != "" {
		return pe
	}
	if a == nil {
		return ""
	}
	return a.Email
}

// TokenPurpose binds a token to the single action it can authorize.
type TokenPurpose string

const (
	PurposePasswordReset   TokenPurpose = "password-reset"
	PurposeGraduationClaim TokenPurpose = "graduation-claim"
)

// IsValid reports whether p is a known purpose.
func (p TokenPurpose) IsValid() bool {
	switch p {
	case PurposePasswordReset, PurposeGraduationClaim:
		return true
	}
	return false
}

// ClaimToken is the persisted form of a reset code or claim link. The raw
// value is never stored, only its digest.
type ClaimToken struct {
	bun.BaseModel `bun:"table:claim_tokens,alias:ctk"`
	ID            uuid.UUID         `bun:"id,pk,type:uuid" json:"id"`
	TokenHash     string            `bun:"token_hash,notnull,unique" json:"-"`
	Purpose       TokenPurpose      `bun:"purpose,notnull" json:"purpose"`
	AccountID     uuid.UUID         `bun:"account_id,notnull,type:uuid" json:"accountId"`
	SubjectEmail  string            `bun:"subject_email,notnull" json:"subjectEmail"`
	Metadata      map[string]string `bun:"metadata" json:"metadata,omitempty"`
	IssuedAt      time.Time         `bun:"issued_at,notnull" json:"issuedAt"`
	ExpiresAt     time.Time         `bun:"expires_at,notnull" json:"expiresAt"`
	ConsumedAt    *time.Time        `bun:"consumed_at,nullzero" json:"consumedAt,omitempty"`
	SupersededAt  *time.Time        `bun:"superseded_at,nullzero" json:"supersededAt,omitempty"`
}

// Consumed reports whether the token was used.
func (t *ClaimToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// IsLive reports whether the token can still be peeked or consumed at now.
func (t *ClaimToken) IsLive(now time.Time) bool {
	if t == nil {
		return false
	}
	return t.ConsumedAt == nil && t.SupersededAt == nil && now.Before(t.ExpiresAt)
}

// PerformedBySelf marks handovers completed by the account holder.
const PerformedBySelf = "self"

const performedByAdminPrefix = "admin:"

// PerformedByAdmin labels a handover performed by the admin with the given email.
func PerformedByAdmin(adminEmail string) string {
	return performedByAdminPrefix + adminEmail
}

// IsAdminPerformed reports whether performedBy names an admin actor.
func IsAdminPerformed(performedBy string) bool {
	return strings.HasPrefix(performedBy, performedByAdminPrefix)
}

// HandoverEntry is an append only record of a completed handover.
type HandoverEntry struct {
	bun.BaseModel    `bun:"table:handover_history,alias:hh"`
	ID               uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Seq              int64     `bun:"seq,notnull" json:"-"`
	AccountID        uuid.UUID `bun:"account_id,notnull,type:uuid" json:"accountId"`
	AccountEmail     string    `bun:"account_email,notnull" json:"accountEmail"`
	PreviousUIN      string    `bun:"previous_uin,notnull" json:"previousUin"`
	NewPersonalEmail string    `bun:"new_personal_email,notnull" json:"newPersonalEmail"`
	ClassYear        *int      `bun:"class_year,nullzero" json:"classYear,omitempty"`
	PerformedBy      string    `bun:"performed_by,notnull" json:"performedBy"`
	Timestamp        time.Time `bun:"occurred_at,notnull" json:"timestamp"`
}

package handover

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// FlexibleYear decodes a class year sent as a JSON number or a numeric string.
type FlexibleYear int

// UnmarshalJSON implements json.Unmarshaler.
func (y *FlexibleYear) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return errors.New("classYear must be a number")
		}
		*y = FlexibleYear(n)
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("classYear must be a number")
	}
	*y = FlexibleYear(n)
	return nil
}

// Int returns the year as an optional int.
func (y *FlexibleYear) Int() *int {
	if y == nil {
		return nil
	}
	v := int(*y)
	return &v
}

// SignupPayload holds the values for self registration.
type SignupPayload struct {
	Email         string        `json:"email"`
	Password      string        `json:"password"`
	FormerStudent bool          `json:"formerStudent"`
	ClassYear     *FlexibleYear `json:"classYear"`
	UIN           string        `json:"uin"`
}

// SigninPayload holds the credentials for sign in.
type SigninPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate only checks presence; everything else is a uniform Unauthorized.
func (p SigninPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required),
		validation.Field(&p.Password, validation.Required),
	)
}

// EmailPayload is the body of forgot-password and request-link.
type EmailPayload struct {
	Email string `json:"email"`
}

// Validate will validate the payload
func (p EmailPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

// ResetPasswordPayload finalizes a password reset.
type ResetPasswordPayload struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// Validate will validate the payload
func (p ResetPasswordPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Code, validation.Required),
		validation.Field(&p.NewPassword, passwordRules...),
	)
}

// ProfilePayload lists the only fields PUT /me reads. Anything else in the
// body is ignored.
type ProfilePayload struct {
	ClassYear   *FlexibleYear `json:"classYear"`
	LinkedInURL *string       `json:"linkedInUrl"`
}

// Update converts the payload into a profile update.
func (p ProfilePayload) Update() ProfileUpdate {
	return ProfileUpdate{ClassYear: p.ClassYear.Int(), LinkedInURL: p.LinkedInURL}
}

// HandoverPayload is the body of POST /graduation-handover.
type HandoverPayload struct {
	UIN           string        `json:"uin"`
	ClassYear     *FlexibleYear `json:"classYear"`
	PersonalEmail string        `json:"personalEmail"`
	Password      string        `json:"password"`
}

// Validate will validate the payload
func (p HandoverPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UIN, uinRules...),
		validation.Field(&p.PersonalEmail, is.Email),
	)
}

// Request converts the payload into a handover request.
func (p HandoverPayload) Request() HandoverRequest {
	return HandoverRequest{
		UIN:           NormalizeUIN(p.UIN),
		ClassYear:     p.ClassYear.Int(),
		PersonalEmail: NormalizeEmail(p.PersonalEmail),
		Password:      p.Password,
	}
}

// ClaimPayload completes a claim.
type ClaimPayload struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// Validate will validate the payload
func (p ClaimPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Token, validation.Required),
		validation.Field(&p.Password, passwordRules...),
	)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// AckResponse is the constant shaped body of anti-enumeration endpoints.
type AckResponse struct {
	Message   string `json:"message"`
	MagicLink string `json:"magicLink,omitempty"`
}

// ProfileResponse is an account with its derived handover state.
type ProfileResponse struct {
	*Account
	HandoverState HandoverState `json:"handoverState"`
}

// HandoverResponse is the body of POST /graduation-handover.
type HandoverResponse struct {
	Account     *Account       `json:"account"`
	Entry       *HandoverEntry `json:"entry"`
	AccessToken string         `json:"accessToken,omitempty" mask:"filled32"`
	TokenType   string         `json:"tokenType,omitempty"`
}

// HistoryResponse is the body of GET /graduation-handover/history.
type HistoryResponse struct {
	Entries []*HandoverEntry `json:"entries"`
}

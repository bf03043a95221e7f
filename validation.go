package handover

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	// MinPasswordLength is the shortest password accepted anywhere.
	MinPasswordLength = 10
	// MaxPasswordLength is the bcrypt input limit in bytes.
	MaxPasswordLength = 72

	MinClassYear = 1900
	MaxClassYear = 2100
)

var uinPattern = regexp.MustCompile(`^[0-9]{7,15}$`)

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUIN strips surrounding whitespace from a UIN.
func NormalizeUIN(uin string) string {
	return strings.TrimSpace(uin)
}

var emailRules = []validation.Rule{
	validation.Required,
	validation.Length(3, 254),
	is.Email,
}

var passwordRules = []validation.Rule{
	validation.Required,
	validation.Length(MinPasswordLength, 0),
	validation.By(func(value any) error {
		s, _ := value.(string)
		if len(s) > MaxPasswordLength {
			return fmt.Errorf("must be at most %d bytes", MaxPasswordLength)
		}
		return nil
	}),
}

var uinRules = []validation.Rule{
	validation.Required,
	validation.Match(uinPattern).Error("must be 7 to 15 digits"),
}

var classYearRule = validation.By(func(value any) error {
	year, ok := value.(*int)
	if !ok || year == nil {
		return nil
	}
	if *year < MinClassYear || *year > MaxClassYear {
		return fmt.Errorf("must be between %d and %d", MinClassYear, MaxClassYear)
	}
	return nil
})

// ValidateEmail checks a normalized email address.
func ValidateEmail(email string) error {
	return validation.Validate(email, emailRules...)
}

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) error {
	return validation.Validate(password, passwordRules...)
}

// ValidateUIN checks the institutional identifier format.
func ValidateUIN(uin string) error {
	return validation.Validate(uin, uinRules...)
}

// ValidateClassYear checks an optional class year.
func ValidateClassYear(year *int) error {
	return validation.Validate(year, classYearRule)
}

// FormatValidationErrors flattens ozzo validation errors into a field map.
func FormatValidationErrors(err error) map[string]string {
	if err == nil {
		return nil
	}
	out := map[string]string{}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}
	out["_"] = err.Error()
	return out
}

// toValidationError converts an ozzo result into ErrValidation.
func toValidationError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return wrapError(ErrValidation, err, msg)
	}
	return validationError(msg, FormatValidationErrors(err))
}

package handover

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Profiles serves the account holder's own profile.
type Profiles struct {
	repo     RepositoryManager
	activity activityRecorder
	logger   Logger
	timeout  time.Duration
}

// NewProfiles returns a profile service over repo.
func NewProfiles(repo RepositoryManager) *Profiles {
	return &Profiles{
		repo:     repo,
		activity: activityRecorder{sink: noopActivitySink{}, logger: defLogger{}},
		logger:   defLogger{},
		timeout:  DefaultOperationTimeout,
	}
}

// WithLogger sets the logger.
func (p *Profiles) WithLogger(logger Logger) *Profiles {
	p.logger = normalizeLogger(logger)
	p.activity.logger = p.logger
	return p
}

// WithTimeout bounds each profile operation.
func (p *Profiles) WithTimeout(timeout time.Duration) *Profiles {
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// WithActivitySink sets the sink that receives profile events.
func (p *Profiles) WithActivitySink(sink ActivitySink) *Profiles {
	p.activity.sink = normalizeActivitySink(sink)
	return p
}

// GetProfile returns the actor's account.
func (p *Profiles) GetProfile(ctx context.Context, actor *Actor) (*Account, error) {
	if actor == nil {
		return nil, newError(ErrUnauthorized, "authentication required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	account, err := p.repo.Accounts().AccountByID(ctx, actor.ID)
	if err != nil {
		if IsNotFound(err) {
			return nil, newError(ErrUnauthorized, "invalid access token")
		}
		return nil, err
	}
	return account, nil
}

// UpdateProfile applies update to the actor's account. Only class year and
// LinkedIn URL can change here.
func (p *Profiles) UpdateProfile(ctx context.Context, actor *Actor, update ProfileUpdate) (*Account, error) {
	if actor == nil {
		return nil, newError(ErrUnauthorized, "authentication required")
	}

	if update.LinkedInURL != nil {
		trimmed := strings.TrimSpace(*update.LinkedInURL)
		update.LinkedInURL = &trimmed
	}
	if err := ValidateProfileUpdate(update); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	account, err := p.repo.Accounts().UpdateProfile(ctx, actor.ID, update)
	if err != nil {
		if IsNotFound(err) {
			return nil, newError(ErrUnauthorized, "invalid access token")
		}
		return nil, err
	}

	if !update.IsEmpty() {
		fields := make([]string, 0, 2)
		if update.ClassYear != nil {
			fields = append(fields, "classYear")
		}
		if update.LinkedInURL != nil {
			fields = append(fields, "linkedInUrl")
		}
		p.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventProfileUpdated,
			Actor:     actor.Ref(),
			AccountID: account.ID.String(),
			Metadata:  map[string]any{"fields": fields},
		})
	}
	return account, nil
}

// ValidateProfileUpdate checks the fields of update.
func ValidateProfileUpdate(update ProfileUpdate) error {
	errs := validation.Errors{
		"classYear": validation.Validate(update.ClassYear, classYearRule),
	}
	if update.LinkedInURL != nil && *update.LinkedInURL != "" {
		errs["linkedInUrl"] = validation.Validate(*update.LinkedInURL, validation.Length(0, 255), is.URL)
	}
	if err := errs.Filter(); err != nil {
		return toValidationError(err, "invalid profile update")
	}
	return nil
}

// DeleteAccount soft deletes the account registered under email. Access
// tokens and outstanding claim links of a deleted account stop resolving.
func (p *Profiles) DeleteAccount(ctx context.Context, actor ActorRef, email string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	account, err := p.repo.Accounts().AccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return err
	}
	if err := p.repo.Accounts().Remove(ctx, account.ID); err != nil {
		return err
	}

	p.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventAccountDeleted,
		Actor:     actor,
		AccountID: account.ID.String(),
	})
	p.logger.Info("account deleted", "account_id", account.ID.String())
	return nil
}

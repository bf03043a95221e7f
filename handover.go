package handover

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// DefaultClaimTTL is the lifetime of a graduation claim link.
const DefaultClaimTTL = 7 * 24 * time.Hour

// HandoverRequest carries the fields shared by the admin and the self
// service handover. Password is only honored on the self service path.
type HandoverRequest struct {
	UIN           string
	ClassYear     *int
	PersonalEmail string
	Password      string
}

// HandoverResult is the outcome of a synchronous handover. Session is set
// when the caller is the account holder.
type HandoverResult struct {
	Account *Account
	Entry   *HandoverEntry
	Session *Session
}

// MagicLinkResult is the response of RequestMagicLink. Message is constant;
// Issued and Link never leave the process in production.
type MagicLinkResult struct {
	Message string
	Issued  bool
	Link    string
}

// ClaimInfo is the account summary shown before a claim is completed.
type ClaimInfo struct {
	Email     string `json:"email"`
	UIN       string `json:"uin"`
	ClassYear *int   `json:"classYear,omitempty"`
}

// ScanReport summarizes a graduation scan.
type ScanReport struct {
	Year    int `json:"year"`
	Issued  int `json:"issued"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Handovers drives accounts from their institutional to their personal
// identity, synchronously or through claim links.
type Handovers struct {
	repo          RepositoryManager
	registry      *TokenRegistry
	auth          *Authenticator
	hasher        PasswordHasher
	machine       *HandoverStateMachine
	ledger        *Ledger
	notifier      Notifier
	activity      activityRecorder
	logger        Logger
	now           Clock
	claimTTL      time.Duration
	linkBaseURL   string
	timeout       time.Duration
	notifyTimeout time.Duration
}

// NewHandovers wires the handover service.
func NewHandovers(repo RepositoryManager, registry *TokenRegistry, auth *Authenticator, hasher PasswordHasher) *Handovers {
	return &Handovers{
		repo:          repo,
		registry:      registry,
		auth:          auth,
		hasher:        hasher,
		machine:       NewHandoverStateMachine(),
		ledger:        NewLedger(repo),
		notifier:      noopNotifier{},
		activity:      activityRecorder{sink: noopActivitySink{}, logger: defLogger{}},
		logger:        defLogger{},
		now:           utcNow,
		claimTTL:      DefaultClaimTTL,
		linkBaseURL:   "http://localhost:3000",
		timeout:       DefaultOperationTimeout,
		notifyTimeout: 5 * time.Second,
	}
}

// WithLogger sets the logger.
func (h *Handovers) WithLogger(logger Logger) *Handovers {
	h.logger = normalizeLogger(logger)
	h.activity.logger = h.logger
	h.ledger.WithLogger(h.logger)
	return h
}

// WithActivitySink sets the sink that receives handover events.
func (h *Handovers) WithActivitySink(sink ActivitySink) *Handovers {
	h.activity.sink = normalizeActivitySink(sink)
	return h
}

// WithNotifier sets the notifier for claim links and confirmations.
func (h *Handovers) WithNotifier(n Notifier) *Handovers {
	h.notifier = normalizeNotifier(n)
	return h
}

// WithClock injects the clock used for history timestamps.
func (h *Handovers) WithClock(clock Clock) *Handovers {
	if clock != nil {
		h.now = clock
		h.activity.now = clock
	}
	return h
}

// WithClaimTTL overrides the lifetime of claim links.
func (h *Handovers) WithClaimTTL(ttl time.Duration) *Handovers {
	if ttl > 0 {
		h.claimTTL = ttl
	}
	return h
}

// WithLinkBaseURL sets the frontend URL claim links point to.
func (h *Handovers) WithLinkBaseURL(base string) *Handovers {
	if base = strings.TrimSpace(base); base != "" {
		h.linkBaseURL = base
	}
	return h
}

// WithStateMachine replaces the transition graph and its hooks.
func (h *Handovers) WithStateMachine(sm *HandoverStateMachine) *Handovers {
	if sm != nil {
		h.machine = sm
	}
	return h
}

// WithTimeout bounds each handover operation.
func (h *Handovers) WithTimeout(timeout time.Duration) *Handovers {
	if timeout > 0 {
		h.timeout = timeout
	}
	return h
}

// WithNotifyTimeout bounds each notifier call.
func (h *Handovers) WithNotifyTimeout(timeout time.Duration) *Handovers {
	if timeout > 0 {
		h.notifyTimeout = timeout
	}
	return h
}

// Ledger returns the history ledger the service appends to.
func (h *Handovers) Ledger() *Ledger {
	return h.ledger
}

// ClaimLink builds the frontend URL for a claim token.
func (h *Handovers) ClaimLink(token string) string {
	return strings.TrimRight(h.linkBaseURL, "/") + "/#claim?token=" + url.QueryEscape(token)
}

// InitiateAdminHandover hands over the account holding req.UIN on behalf of
// an admin actor.
func (h *Handovers) InitiateAdminHandover(ctx context.Context, actor *Actor, req HandoverRequest) (*HandoverResult, error) {
	if actor == nil {
		return nil, newError(ErrForbidden, "authentication required")
	}
	if !actor.IsAdmin() {
		return nil, newError(ErrForbidden, "admin role required")
	}
	if req.Password != "" {
		return nil, validationError("invalid handover", map[string]string{
			"password": "cannot be set by an admin",
		})
	}
	if err := validateHandoverRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var res handoverOutcome
	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, err := h.repo.Accounts().AccountByUINTx(ctx, tx, req.UIN)
		if err != nil {
			return err
		}
		res, err = h.completeTx(ctx, tx, account, handoverParams{
			actor:         actor.Ref(),
			performedBy:   PerformedByAdmin(actor.Email),
			personalEmail: req.PersonalEmail,
			classYear:     req.ClassYear,
		})
		return err
	})
	if err != nil {
		err = finalizeError(err, "admin handover failed")
		h.recordFailure(ctx, actor.Ref(), "", "admin", err)
		return nil, err
	}

	h.afterHandover(ctx, res)
	return &HandoverResult{Account: res.account, Entry: res.entry}, nil
}

// GraduationHandover is the signed in self service variant. The actor must
// own the institutional account identified by req.UIN. Password is
// optional; without it the current password is kept.
func (h *Handovers) GraduationHandover(ctx context.Context, actor *Actor, req HandoverRequest) (*HandoverResult, error) {
	if actor == nil {
		return nil, newError(ErrUnauthorized, "authentication required")
	}
	if err := validateHandoverRequest(req); err != nil {
		return nil, err
	}

	var digest string
	if req.Password != "" {
		if err := ValidatePassword(req.Password); err != nil {
			return nil, validationError("invalid handover", map[string]string{"password": err.Error()})
		}
		var err error
		if digest, err = h.hasher.HashPassword(req.Password); err != nil {
			return nil, wrapError(ErrValidation, err, "invalid password provided")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var res handoverOutcome
	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, err := h.repo.Accounts().AccountByIDTx(ctx, tx, actor.ID)
		if err != nil {
			if IsNotFound(err) {
				return newError(ErrUnauthorized, "invalid access token")
			}
			return err
		}

		if !account.IsInstitutional() {
			if account.HandedOverAt != nil {
				return newError(ErrConflict, "account was already handed over")
			}
			return newError(ErrForbidden, "account has no institutional identity")
		}
		if account.uinValue() != NormalizeUIN(req.UIN) {
			return newError(ErrForbidden, "uin does not belong to the caller")
		}

		res, err = h.completeTx(ctx, tx, account, handoverParams{
			actor:         actor.Ref(),
			performedBy:   PerformedBySelf,
			personalEmail: req.PersonalEmail,
			classYear:     req.ClassYear,
			digest:        digest,
		})
		return err
	})
	if err != nil {
		err = finalizeError(err, "graduation handover failed")
		h.recordFailure(ctx, actor.Ref(), actor.ID.String(), "self", err)
		return nil, err
	}

	h.afterHandover(ctx, res)

	session, err := h.auth.IssueSession(res.account)
	if err != nil {
		return nil, err
	}
	return &HandoverResult{Account: res.account, Entry: res.entry, Session: session}, nil
}

// RequestMagicLink issues a claim link for the account matching email. The
// result is identical whether or not an eligible account exists.
func (h *Handovers) RequestMagicLink(ctx context.Context, email string) (*MagicLinkResult, error) {
	out := &MagicLinkResult{Message: GenericAckMessage}

	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, validationError("invalid email", map[string]string{"email": err.Error()})
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	account, err := h.repo.Accounts().ClaimableAccount(ctx, email)
	if err != nil {
		if IsNotFound(err) {
			h.logger.Debug("claim link requested for unknown email")
			return out, nil
		}
		return nil, err
	}
	if !account.IsInstitutional() {
		h.logger.Debug("claim link requested for a personal account", "account_id", account.ID.String())
		return out, nil
	}

	link, err := h.issueClaimLink(ctx, account, ActorRef{Type: ActorTypeAnonymous})
	if err != nil {
		return nil, err
	}
	out.Issued = true
	out.Link = link
	return out, nil
}

// GetClaimInfo shows the account bound to a claim token without consuming it.
func (h *Handovers) GetClaimInfo(ctx context.Context, token string) (*ClaimInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	claim, err := h.registry.Peek(ctx, token, PurposeGraduationClaim)
	if err != nil {
		return nil, err
	}

	account, err := h.repo.Accounts().AccountByID(ctx, claim.AccountID)
	if err != nil {
		if IsNotFound(err) {
			return nil, newError(ErrInvalidOrExpired, "")
		}
		return nil, err
	}
	if !account.IsInstitutional() {
		return nil, newError(ErrInvalidOrExpired, "")
	}

	return &ClaimInfo{
		Email:     account.Email,
		UIN:       account.uinValue(),
		ClassYear: account.ClassYear,
	}, nil
}

// CompleteClaim redeems a claim token, sets the new password and finishes
// the handover. The token is consumed only if the handover is recorded.
func (h *Handovers) CompleteClaim(ctx context.Context, token, password string) (*Session, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, validationError("invalid claim", map[string]string{"password": err.Error()})
	}
	digest, err := h.hasher.HashPassword(password)
	if err != nil {
		return nil, wrapError(ErrValidation, err, "invalid password provided")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := ConsumeAndApply(ctx, h.registry, token, PurposeGraduationClaim,
		func(ctx context.Context, tx bun.Tx, claim *ClaimToken) (handoverOutcome, error) {
			account, err := h.repo.Accounts().AccountByIDTx(ctx, tx, claim.AccountID)
			if err != nil {
				if IsNotFound(err) {
					return handoverOutcome{}, newError(ErrInvalidOrExpired, "")
				}
				return handoverOutcome{}, err
			}
			return h.completeTx(ctx, tx, account, handoverParams{
				actor:       ActorRef{ID: account.ID.String(), Type: string(account.Role)},
				performedBy: PerformedBySelf,
				digest:      digest,
				keepEmail:   true,
			})
		},
	)
	if err != nil {
		h.recordFailure(ctx, ActorRef{Type: ActorTypeAnonymous}, "", "claim", err)
		return nil, err
	}

	h.afterHandover(ctx, res)
	return h.auth.IssueSession(res.account)
}

// ScanGraduates issues claim links to every institutional account whose
// class year is at or before year. Pending accounts whose link expired get a
// fresh one; pending accounts with a live link are skipped.
func (h *Handovers) ScanGraduates(ctx context.Context, year int) (*ScanReport, error) {
	if err := ValidateClassYear(&year); err != nil {
		return nil, validationError("invalid scan year", map[string]string{"year": err.Error()})
	}

	accounts, err := h.repo.Accounts().GraduatingAccounts(ctx, year)
	if err != nil {
		return nil, err
	}

	report := &ScanReport{Year: year}
	system := ActorRef{Type: ActorTypeSystem}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return report, wrapError(ErrTransient, err, "graduation scan interrupted")
		}
		switch StateOf(account) {
		case StateInstitutional:
		case StatePending:
			live, err := h.registry.HasLive(ctx, account.ID, PurposeGraduationClaim)
			if err != nil {
				report.Failed++
				h.logger.Warn("graduation scan failed for account", "account_id", account.ID.String(), "error", err)
				continue
			}
			if live {
				report.Skipped++
				continue
			}
		default:
			report.Skipped++
			continue
		}
		if _, err := h.issueClaimLink(ctx, account, system); err != nil {
			report.Failed++
			h.logger.Warn("graduation scan failed for account", "account_id", account.ID.String(), "error", err)
			continue
		}
		report.Issued++
	}

	h.logger.Info("graduation scan finished",
		"year", year, "issued", report.Issued, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (h *Handovers) issueClaimLink(ctx context.Context, account *Account, actor ActorRef) (string, error) {
	var issued *IssuedToken
	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := h.repo.Accounts().AccountByIDTx(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		if _, err := h.machine.Check(ctx, actor, current, StatePending); err != nil {
			return err
		}
		if err := h.repo.Accounts().MarkPendingHandoverTx(ctx, tx, current.ID); err != nil {
			return err
		}

		metadata := map[string]string{"uin": current.uinValue()}
		if current.ClassYear != nil {
			metadata["classYear"] = strconv.Itoa(*current.ClassYear)
		}
		issued, err = h.registry.IssueTx(ctx, tx, current, PurposeGraduationClaim, h.claimTTL, metadata)
		if err != nil {
			return err
		}
		account = current
		return nil
	})
	if err != nil {
		return "", finalizeError(err, "failed to issue claim link")
	}

	link := h.ClaimLink(issued.Value)
	h.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventClaimLinkIssued,
		Actor:     actor,
		AccountID: account.ID.String(),
		Metadata:  map[string]any{"expires_at": issued.Token.ExpiresAt},
	})
	h.notify(ctx, account, Notification{
		Kind:    NotificationClaimLink,
		To:      account.DeliveryAddress(),
		Subject: "Claim your alumni account",
		Body: fmt.Sprintf(
			"Follow this link to move your account to your personal email: %s\nThe link expires at %s.",
			link, issued.Token.ExpiresAt.Format(time.RFC1123),
		),
		Link: link,
	})
	return link, nil
}

type handoverParams struct {
	actor         ActorRef
	performedBy   string
	personalEmail string
	classYear     *int
	digest        string
	// keepEmail lets a claim without a known personal email keep the
	// current address.
	keepEmail     bool
}

type handoverOutcome struct {
	account    *Account
	entry      *HandoverEntry
	transition TransitionContext
}

// completeTx is the single terminal step shared by every handover path, so
// all of them leave the account and the ledger in the same shape.
func (h *Handovers) completeTx(ctx context.Context, tx bun.Tx, account *Account, p handoverParams) (handoverOutcome, error) {
	tc, err := h.machine.Check(ctx, p.actor, account, StatePersonal)
	if err != nil {
		return handoverOutcome{}, err
	}

	personal := NormalizeEmail(p.personalEmail)
	if personal == "" {
		personal = account.personalEmailValue()
	}
	if personal == "" {
		if !p.keepEmail {
			return handoverOutcome{}, validationError("invalid handover", map[string]string{
				"personalEmail": "is required",
			})
		}
		personal = account.Email
	}
	if err := ValidateEmail(personal); err != nil {
		return handoverOutcome{}, validationError("invalid handover", map[string]string{"personalEmail": err.Error()})
	}

	taken, err := h.repo.Accounts().EmailTakenTx(ctx, tx, personal, account.ID)
	if err != nil {
		return handoverOutcome{}, err
	}
	if taken {
		return handoverOutcome{}, newError(ErrConflict, "personal email already registered")
	}

	classYear := account.ClassYear
	if p.classYear != nil {
		classYear = p.classYear
	}

	now := h.now()
	previousUIN := account.uinValue()
	updated, err := h.repo.Accounts().CompleteHandoverTx(ctx, tx, account.ID, previousUIN, HandoverChange{
		Email:          personal,
		PersonalEmail:  personal,
		ClassYear:      classYear,
		Role:           HandedOverRole(account.Role),
		PasswordDigest: p.digest,
		HandedOverAt:   now,
	})
	if err != nil {
		return handoverOutcome{}, err
	}

	for _, purpose := range []TokenPurpose{PurposeGraduationClaim, PurposePasswordReset} {
		if err := h.registry.RevokeTx(ctx, tx, account.ID, purpose); err != nil {
			return handoverOutcome{}, err
		}
	}

	entry := &HandoverEntry{
		AccountID:        account.ID,
		AccountEmail:     account.Email,
		PreviousUIN:      previousUIN,
		NewPersonalEmail: personal,
		ClassYear:        updated.ClassYear,
		PerformedBy:      p.performedBy,
		Timestamp:        now,
	}
	if err := h.ledger.Append(ctx, tx, entry); err != nil {
		return handoverOutcome{}, err
	}

	tc.Account = updated
	return handoverOutcome{account: updated, entry: entry, transition: tc}, nil
}

func (h *Handovers) afterHandover(ctx context.Context, res handoverOutcome) {
	if err := h.machine.Completed(ctx, res.transition); err != nil {
		h.logger.Warn("handover after hook failed", "account_id", res.account.ID.String(), "error", err)
	}

	h.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventHandoverCompleted,
		Actor:     res.transition.Actor,
		AccountID: res.account.ID.String(),
		Metadata: map[string]any{
			"from":         string(res.transition.From),
			"performed_by": res.entry.PerformedBy,
		},
	})
	h.logger.Info("handover completed",
		"account_id", res.account.ID.String(),
		"performed_by", res.entry.PerformedBy,
	)

	h.notify(ctx, res.account, Notification{
		Kind:    NotificationHandoverComplete,
		To:      res.account.Email,
		Subject: "Your account now uses your personal email",
		Body: fmt.Sprintf(
			"Your account was moved from %s to %s. Sign in with your personal email from now on.",
			res.entry.AccountEmail, res.entry.NewPersonalEmail,
		),
	})
}

func (h *Handovers) recordFailure(ctx context.Context, actor ActorRef, accountID, path string, err error) {
	h.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventHandoverFailed,
		Actor:     actor,
		AccountID: accountID,
		Metadata: map[string]any{
			"path":  path,
			"error": Kind(err),
		},
	})
}

// notify is best-effort: delivery problems are logged and reported as
// activity, never returned.
func (h *Handovers) notify(ctx context.Context, account *Account, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, h.notifyTimeout)
	defer cancel()

	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.Warn("notification failed", "kind", string(n.Kind), "account_id", account.ID.String(), "error", err)
		h.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventNotificationFailed,
			Actor:     ActorRef{Type: ActorTypeSystem},
			AccountID: account.ID.String(),
			Metadata:  map[string]any{"kind": string(n.Kind)},
		})
	}
}

func validateHandoverRequest(req HandoverRequest) error {
	fields := map[string]string{}
	if err := ValidateUIN(NormalizeUIN(req.UIN)); err != nil {
		fields["uin"] = err.Error()
	}
	if err := ValidateClassYear(req.ClassYear); err != nil {
		fields["classYear"] = err.Error()
	}
	if pe := NormalizeEmail(req.PersonalEmail); pe != "" {
		if err := ValidateEmail(pe); err != nil {
			fields["personalEmail"] = err.Error()
		}
	}
	if len(fields) > 0 {
		return validationError("invalid handover", fields)
	}
	return nil
}

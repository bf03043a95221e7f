package handover

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-handover/middleware/bearer"
	"github.com/goliatone/go-print"
)

const actorLocalsKey = "actor"

// HTTPControllerRoutes holds the mount points of the JSON API.
type HTTPControllerRoutes struct {
	Signup         string
	Signin         string
	ForgotPassword string
	ResetPassword  string
	Me             string
	Handover       string
	RequestLink    string
	Claim          string
	History        string
}

// DefaultRoutes are the paths served by the HTTP controller.
var DefaultRoutes = HTTPControllerRoutes{
	Signup:         "/auth/signup",
	Signin:         "/auth/signin",
	ForgotPassword: "/auth/forgot-password",
	ResetPassword:  "/auth/reset-password",
	Me:             "/me",
	Handover:       "/graduation-handover",
	RequestLink:    "/graduation-handover/request-link",
	Claim:          "/graduation-handover/claim",
	History:        "/graduation-handover/history",
}

// HTTPController exposes the account lifecycle as a JSON API.
type HTTPController struct {
	Routes          HTTPControllerRoutes
	Auth            *Authenticator
	Profiles        *Profiles
	Handovers       *Handovers
	ResetInit       *InitializePasswordResetHandler
	ResetFinalize   *FinalizePasswordResetHandler
	Logger          Logger
	Debug           bool
	ExposeMagicLink bool
	HistoryLimit    int
	Service         string
	Version         string
}

// HTTPControllerOption configures the controller.
type HTTPControllerOption func(*HTTPController)

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger Logger) HTTPControllerOption {
	return func(c *HTTPController) {
		c.Logger = normalizeLogger(logger)
	}
}

// WithDebug prints command responses.
func WithDebug(debug bool) HTTPControllerOption {
	return func(c *HTTPController) {
		c.Debug = debug
	}
}

// WithMagicLinkExposure returns claim links in request-link responses.
// It must stay off in production.
func WithMagicLinkExposure(expose bool) HTTPControllerOption {
	return func(c *HTTPController) {
		c.ExposeMagicLink = expose
	}
}

// WithHistoryLimit sets the page size used when a history request has no
// limit parameter.
func WithHistoryLimit(limit int) HTTPControllerOption {
	return func(c *HTTPController) {
		if limit > 0 {
			c.HistoryLimit = limit
		}
	}
}

// WithServiceInfo sets the name and version reported by the health route.
func WithServiceInfo(service, version string) HTTPControllerOption {
	return func(c *HTTPController) {
		c.Service = service
		c.Version = version
	}
}

// WithRoutes overrides the default paths.
func WithRoutes(routes HTTPControllerRoutes) HTTPControllerOption {
	return func(c *HTTPController) {
		c.Routes = routes
	}
}

// NewHTTPController returns a controller over the given services.
func NewHTTPController(
	auth *Authenticator,
	profiles *Profiles,
	handovers *Handovers,
	resetInit *InitializePasswordResetHandler,
	resetFinalize *FinalizePasswordResetHandler,
	opts ...HTTPControllerOption,
) *HTTPController {
	c := &HTTPController{
		Routes:        DefaultRoutes,
		Auth:          auth,
		Profiles:      profiles,
		Handovers:     handovers,
		ResetInit:     resetInit,
		ResetFinalize: resetFinalize,
		Logger:        defLogger{},
		HistoryLimit:  DefaultHistoryLimit,
		Service:       "go-handover",
		Version:       "dev",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RegisterRoutes mounts every route on app.
func (a *HTTPController) RegisterRoutes(app fiber.Router) {
	required := a.BearerMiddleware(false)
	optional := a.BearerMiddleware(true)

	app.Get("/", a.Health)

	app.Post(a.Routes.Signup, a.Signup)
	app.Post(a.Routes.Signin, a.Signin)
	app.Post(a.Routes.ForgotPassword, a.ForgotPassword)
	app.Post(a.Routes.ResetPassword, a.ResetPassword)

	app.Get(a.Routes.Me, required, a.GetMe)
	app.Put(a.Routes.Me, required, a.PutMe)

	app.Post(a.Routes.Handover, required, a.PostHandover)
	app.Post(a.Routes.RequestLink, a.RequestLink)
	app.Get(a.Routes.Claim, a.GetClaim)
	app.Post(a.Routes.Claim, a.PostClaim)
	app.Get(a.Routes.History, optional, a.GetHistory)
}

// BearerMiddleware resolves the access token into an *Actor. With optional
// set, anonymous requests reach the handler without an actor.
func (a *HTTPController) BearerMiddleware(optional bool) fiber.Handler {
	return bearer.New(bearer.Config{
		ContextKey: actorLocalsKey,
		Optional:   optional,
		Fatal:      IsTransient,
		Validate: func(ctx context.Context, token string) (any, error) {
			return a.Auth.Verify(ctx, token)
		},
		ContextEnricher: func(ctx context.Context, identity any) context.Context {
			if actor, ok := identity.(*Actor); ok {
				return WithActor(ctx, actor)
			}
			return ctx
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if errors.Is(err, bearer.ErrMissingOrMalformed) {
				err = newError(ErrUnauthorized, "missing or malformed access token")
			}
			return a.WriteError(c, err)
		},
	})
}

func (a *HTTPController) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"service": a.Service, "version": a.Version})
}

func (a *HTTPController) Signup(c *fiber.Ctx) error {
	payload := new(SignupPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}

	session, err := a.Auth.Signup(c.UserContext(), SignupRequest{
		Email:         payload.Email,
		Password:      payload.Password,
		FormerStudent: payload.FormerStudent,
		ClassYear:     payload.ClassYear.Int(),
		UIN:           payload.UIN,
	})
	if err != nil {
		return a.WriteError(c, err)
	}

	a.debug(session)
	return c.Status(fiber.StatusCreated).JSON(session)
}

func (a *HTTPController) Signin(c *fiber.Ctx) error {
	payload := new(SigninPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid sign in"))
	}

	session, err := a.Auth.Signin(c.UserContext(), payload.Email, payload.Password)
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(session)
}

func (a *HTTPController) ForgotPassword(c *fiber.Ctx) error {
	payload := new(EmailPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid email"))
	}

	var res *InitializePasswordResetResponse
	err := a.ResetInit.Execute(c.UserContext(), InitializePasswordResetMessage{
		Email: payload.Email,
		OnResponse: func(resp *InitializePasswordResetResponse) {
			res = resp
		},
	})
	if err != nil {
		// transient failures must not tell known and unknown emails apart
		a.Logger.Error("forgot password failed", "error", err)
		if !IsValidation(err) {
			return c.JSON(AckResponse{Message: GenericAckMessage})
		}
		return a.WriteError(c, err)
	}

	a.debug(res)
	return c.JSON(AckResponse{Message: res.Message})
}

func (a *HTTPController) ResetPassword(c *fiber.Ctx) error {
	payload := new(ResetPasswordPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid password reset"))
	}

	err := a.ResetFinalize.Execute(c.UserContext(), FinalizePasswordResetMessage{
		Email:    payload.Email,
		Code:     payload.Code,
		Password: payload.NewPassword,
	})
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(AckResponse{Message: "Your password has been updated."})
}

func (a *HTTPController) GetMe(c *fiber.Ctx) error {
	account, err := a.Profiles.GetProfile(c.UserContext(), actorFromLocals(c))
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(ProfileResponse{Account: account, HandoverState: StateOf(account)})
}

func (a *HTTPController) PutMe(c *fiber.Ctx) error {
	payload := new(ProfilePayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}

	account, err := a.Profiles.UpdateProfile(c.UserContext(), actorFromLocals(c), payload.Update())
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(ProfileResponse{Account: account, HandoverState: StateOf(account)})
}

func (a *HTTPController) PostHandover(c *fiber.Ctx) error {
	payload := new(HandoverPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid handover"))
	}

	actor := actorFromLocals(c)

	var (
		res *HandoverResult
		err error
	)
	if actor.IsAdmin() {
		res, err = a.Handovers.InitiateAdminHandover(c.UserContext(), actor, payload.Request())
	} else {
		res, err = a.Handovers.GraduationHandover(c.UserContext(), actor, payload.Request())
	}
	if err != nil {
		return a.WriteError(c, err)
	}

	out := HandoverResponse{Account: res.Account, Entry: res.Entry}
	if res.Session != nil {
		out.AccessToken = res.Session.AccessToken
		out.TokenType = res.Session.TokenType
	}
	a.debug(out)
	return c.JSON(out)
}

func (a *HTTPController) RequestLink(c *fiber.Ctx) error {
	payload := new(EmailPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid email"))
	}

	res, err := a.Handovers.RequestMagicLink(c.UserContext(), payload.Email)
	if err != nil {
		a.Logger.Error("claim link request failed", "error", err)
		if !IsValidation(err) {
			return c.JSON(AckResponse{Message: GenericAckMessage})
		}
		return a.WriteError(c, err)
	}

	out := AckResponse{Message: res.Message}
	if a.ExposeMagicLink {
		out.MagicLink = res.Link
	}
	return c.JSON(out)
}

func (a *HTTPController) GetClaim(c *fiber.Ctx) error {
	info, err := a.Handovers.GetClaimInfo(c.UserContext(), c.Query("token"))
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(info)
}

func (a *HTTPController) PostClaim(c *fiber.Ctx) error {
	payload := new(ClaimPayload)
	if err := a.bind(c, payload); err != nil {
		return a.WriteError(c, err)
	}
	if err := payload.Validate(); err != nil {
		return a.WriteError(c, toValidationError(err, "invalid claim"))
	}

	session, err := a.Handovers.CompleteClaim(c.UserContext(), payload.Token, payload.Password)
	if err != nil {
		return a.WriteError(c, err)
	}
	a.debug(session)
	return c.JSON(session)
}

func (a *HTTPController) GetHistory(c *fiber.Ctx) error {
	entries, err := a.Handovers.Ledger().List(c.UserContext(), actorFromLocals(c), c.QueryInt("limit", a.HistoryLimit))
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(HistoryResponse{Entries: entries})
}

// WriteError renders err as an ErrorResponse with the status of its kind.
func (a *HTTPController) WriteError(c *fiber.Ctx, err error) error {
	richErr := AsRich(err)

	status := richErr.Code
	if status == 0 {
		status = fiber.StatusInternalServerError
	}

	body := ErrorResponse{Error: Kind(err), Detail: richErr.Message}
	if fields, ok := richErr.Metadata["fields"].(map[string]string); ok && len(fields) > 0 {
		body.Fields = fields
	}

	if status >= fiber.StatusInternalServerError {
		a.Logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}

	return c.Status(status).JSON(body)
}

// FiberErrorHandler renders errors that escape the handlers, such as
// unknown routes, in the API error shape.
func (a *HTTPController) FiberErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		kind := TextCodeInternal
		switch fe.Code {
		case fiber.StatusNotFound:
			kind = TextCodeNotFound
		case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest:
			kind = TextCodeValidation
		}
		return c.Status(fe.Code).JSON(ErrorResponse{Error: kind, Detail: fe.Message})
	}
	return a.WriteError(c, err)
}

func (a *HTTPController) bind(c *fiber.Ctx, payload any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(payload); err != nil {
		a.Logger.Debug("failed to parse payload", "path", c.Path(), "error", err)
		return wrapError(ErrValidation, err, fmt.Sprintf("malformed request body: %s", err.Error()))
	}
	return nil
}

func (a *HTTPController) debug(v any) {
	if !a.Debug {
		return
	}
	a.Logger.Debug("response", "body", print.MaybeSecureJSON(v))
}

func actorFromLocals(c *fiber.Ctx) *Actor {
	actor, _ := c.Locals(actorLocalsKey).(*Actor)
	return actor
}

// Package bearer is a fiber middleware that resolves an Authorization
// bearer token into an identity stored in the request locals.
package bearer

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

var (
	defaultTokenLookup = "header:" + fiber.HeaderAuthorization

	ErrMissingOrMalformed = errors.New("missing or malformed bearer token")
)

// Validator resolves a raw token into an identity. It mirrors the session
// issuer verify call without importing it.
type Validator func(ctx context.Context, token string) (any, error)

// Listener runs after a token resolved, before the next handler.
type Listener func(c *fiber.Ctx, identity any) error

type Config struct {
	Filter         func(*fiber.Ctx) bool
	SuccessHandler fiber.Handler
	ErrorHandler   fiber.ErrorHandler
	// Validate is required.
	Validate    Validator
	ContextKey  string
	TokenLookup string
	AuthScheme  string
	// Optional lets requests without a usable token through with no
	// identity in the locals. Handlers decide what anonymous means.
	Optional bool
	// Fatal marks validation errors that reach ErrorHandler even when
	// Optional is set, such as a store outage.
	Fatal func(err error) bool
	// ContextEnricher propagates the identity to the user context.
	ContextEnricher func(ctx context.Context, identity any) context.Context
	Listeners       []Listener
}

// New returns the middleware.
func New(config ...Config) fiber.Handler {
	cfg := GetDefaultConfig(config...)
	extractors := GetExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		raw, err := ExtractRawToken(c, extractors)
		if err != nil {
			if cfg.Optional {
				return c.Next()
			}
			return cfg.ErrorHandler(c, err)
		}

		identity, err := cfg.Validate(c.UserContext(), raw)
		if err != nil {
			if cfg.Optional && (cfg.Fatal == nil || !cfg.Fatal(err)) {
				return c.Next()
			}
			return cfg.ErrorHandler(c, err)
		}

		for _, listener := range cfg.Listeners {
			if listener == nil {
				continue
			}
			if err := listener(c, identity); err != nil {
				return cfg.ErrorHandler(c, err)
			}
		}

		c.Locals(cfg.ContextKey, identity)
		if cfg.ContextEnricher != nil {
			c.SetUserContext(cfg.ContextEnricher(c.UserContext(), identity))
		}

		return cfg.SuccessHandler(c)
	}
}

// GetDefaultConfig fills the unset fields of config.
func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":  "UNAUTHORIZED",
				"detail": "invalid or expired token",
			})
		}
	}

	if cfg.Validate == nil {
		panic("BEARER: middleware configuration: Validate is required.")
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "actor"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	return cfg
}

// Extractor pulls a raw token out of the request.
type Extractor func(c *fiber.Ctx) (string, error)

// ExtractRawToken returns the first token found by extractors.
func ExtractRawToken(c *fiber.Ctx, extractors []Extractor) (string, error) {
	raw, err := "", ErrMissingOrMalformed
	for _, extractor := range extractors {
		raw, err = extractor(c)
		if raw != "" && err == nil {
			break
		}
	}
	return raw, err
}

// GetExtractors parses a lookup such as "header:Authorization,query:token".
func GetExtractors(tokenLookup, authScheme string) []Extractor {
	extractors := make([]Extractor, 0)

	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.SplitN(strings.TrimSpace(rootPart), ":", 2)
		if len(parts) != 2 {
			continue
		}
		source, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

		switch source {
		case "header":
			extractors = append(extractors, fromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, fromQuery(name))
		case "cookie":
			extractors = append(extractors, fromCookie(name))
		}
	}

	return extractors
}

func fromHeader(header, authScheme string) Extractor {
	authScheme = strings.TrimSpace(authScheme)
	return func(c *fiber.Ctx) (string, error) {
		a := c.Get(header)
		l := len(authScheme)
		if len(a) > l+1 && strings.EqualFold(a[:l], authScheme) && a[l] == ' ' {
			if token := strings.TrimSpace(a[l:]); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingOrMalformed
	}
}

func fromQuery(param string) Extractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Query(param)
		if token == "" {
			return "", ErrMissingOrMalformed
		}
		return token, nil
	}
}

func fromCookie(name string) Extractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrMissingOrMalformed
		}
		return token, nil
	}
}

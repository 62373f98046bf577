package multiapp

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"rocket-backend/internal/auth"
	"rocket-backend/internal/engine"
	"rocket-backend/internal/instrument"
	"rocket-backend/internal/metadata"
)

// AppResolverMiddleware extracts the :app parameter, looks up the AppContext,
// and attaches it to the request via c.Locals("appCtx"). It also attaches the
// app's Instrumenter to the Fiber user context so every downstream
// instrument.GetInstrumenter(ctx) call in the write/workflow/webhook path
// starts a real span instead of silently no-opping. Fails with APP_NOT_FOUND
// when the app is unknown or inactive.
func AppResolverMiddleware(manager *AppManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		appName := c.Params("app")
		if appName == "" {
			return engine.NewAppError("APP_NOT_FOUND", 404, "App name is required")
		}

		ac, err := manager.Get(c.Context(), appName)
		if err != nil {
			return engine.NewAppError("APP_NOT_FOUND", 404, "App not found: "+appName)
		}

		c.Locals("appCtx", ac)

		inst := ac.Instrumenter
		if inst == nil {
			inst = &instrument.NoopInstrumenter{}
		}
		c.SetUserContext(instrument.WithInstrumenter(c.UserContext(), inst))

		return c.Next()
	}
}

// GetAppCtx extracts the AppContext attached by AppResolverMiddleware.
func GetAppCtx(c *fiber.Ctx) *AppContext {
	ac, _ := c.Locals("appCtx").(*AppContext)
	return ac
}

// AppAuthMiddleware validates JWT tokens against the resolved app's own
// jwt_secret first, then falls back to the platform secret so a platform
// admin's token works against any app. Must run after AppResolverMiddleware.
func AppAuthMiddleware(platformJWTSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		token := parts[1]
		ac := GetAppCtx(c)

		if ac != nil {
			if claims, err := auth.ParseAccessToken(token, ac.JWTSecret); err == nil {
				c.Locals("user", &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles})
				return c.Next()
			}
		}

		claims, err := auth.ParseAccessToken(token, platformJWTSecret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		// Platform admins act as admin inside every app.
		c.Locals("user", &metadata.UserContext{ID: claims.Subject, Roles: append(claims.Roles, "admin")})
		return c.Next()
	}
}

// PlatformAuthMiddleware validates JWT tokens against only the platform secret.
func PlatformAuthMiddleware(platformJWTSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := auth.ParseAccessToken(parts[1], platformJWTSecret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles})
		return c.Next()
	}
}

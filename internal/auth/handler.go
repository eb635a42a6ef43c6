package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"forge-backend/internal/engine"
	"forge-backend/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store     *store.Store
	jwtSecret string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()

	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return engine.UnauthorizedError("Invalid email or password")
	}

	if !boolValue(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	userID, _ := user["id"].(string)
	role, _ := user["role"].(string)
	attrs := parseAttrs(user["attrs"])

	pair, err := h.generateTokenPair(ctx, userID, role, attrs)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()
	ph := h.store.Dialect.Placeholder

	row, err := store.QueryRow(ctx, h.store.DB,
		`SELECT rt.id, rt.user_id, rt.expires_at, u.role, u.attrs, u.active
		 FROM _refresh_tokens rt
		 JOIN _users u ON u.id = rt.user_id
		 WHERE rt.token = `+ph(1), body.RefreshToken)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	expiresAt := timeValue(row["expires_at"])
	if expiresAt.IsZero() || time.Now().After(expiresAt) {
		_, _ = store.Exec(ctx, h.store.DB,
			"DELETE FROM _refresh_tokens WHERE token = "+ph(1), body.RefreshToken)
		return engine.UnauthorizedError("Refresh token expired")
	}

	if !boolValue(row["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	// Delete the used refresh token (rotation)
	tokenID, _ := row["id"].(string)
	_, _ = store.Exec(ctx, h.store.DB,
		"DELETE FROM _refresh_tokens WHERE id = "+ph(1), tokenID)

	userID, _ := row["user_id"].(string)
	role, _ := row["role"].(string)
	attrs := parseAttrs(row["attrs"])

	pair, err := h.generateTokenPair(ctx, userID, role, attrs)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	_, _ = store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _refresh_tokens WHERE token = "+h.store.Dialect.Placeholder(1), body.RefreshToken)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
}

// --- helpers ---

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	return store.QueryRow(ctx, h.store.DB,
		"SELECT id, email, password_hash, role, attrs, active FROM _users WHERE email = "+h.store.Dialect.Placeholder(1),
		email)
}

func (h *AuthHandler) generateTokenPair(ctx context.Context, userID, role string, attrs map[string]any) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, role, attrs, h.jwtSecret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	// Stored as RFC3339 text: unambiguous for the Postgres timestamptz cast
	// and ordered correctly as a SQLite string.
	expiresAt := time.Now().Add(RefreshTokenTTL).UTC().Format(time.RFC3339)

	pb := h.store.Dialect.NewParamBuilder()
	query := "INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES (" +
		pb.Add(uuid.NewString()) + ", " + pb.Add(userID) + ", " + pb.Add(refreshToken) + ", " + pb.Add(expiresAt) + ")"
	if _, err := h.store.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// timeValue reads a timestamp that arrives as time.Time from Postgres and as
// text from SQLite.
func timeValue(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", val); err == nil {
			return t
		}
	case []byte:
		return timeValue(string(val))
	}
	return time.Time{}
}

// boolValue reads a database boolean that may arrive as int64 from SQLite.
func boolValue(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

// parseAttrs decodes the _users.attrs JSON column into a map.
func parseAttrs(v any) map[string]any {
	var raw string
	switch val := v.(type) {
	case map[string]any:
		return val
	case string:
		raw = val
	case []byte:
		raw = string(val)
	default:
		return nil
	}
	if raw == "" {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

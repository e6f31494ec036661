package middlewares

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/golang-jwt/jwt/v4"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "

	demoUserHeader   = "X-Demo-User"
	demoTenantHeader = "X-Tenant"
	demoRolesHeader  = "X-Demo-Roles"
	defaultTenant    = "demo"
	defaultRole      = "patient"

	localUserID   = "userID"
	localTenantID = "tenantID"
	localRoles    = "roles"
)

var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrAuthNotConfigured = errors.New("server auth not configured")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Validator authenticates a request. Demo and production implementations are interchangeable.
type Validator interface {
	Validate(c *fiber.Ctx) (*Identity, error)
}

// DemoValidator trusts X-Demo-User / X-Tenant / X-Demo-Roles headers. Local development only.
type DemoValidator struct{}

func (DemoValidator) Validate(c *fiber.Ctx) (*Identity, error) {
	user := strings.TrimSpace(c.Get(demoUserHeader))
	if user == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "X-Demo-User header required in demo mode")
	}
	tenant := strings.TrimSpace(c.Get(demoTenantHeader))
	if tenant == "" {
		tenant = defaultTenant
	}
	roles := []string{defaultRole}
	if raw := strings.TrimSpace(c.Get(demoRolesHeader)); raw != "" {
		roles = nil
		for _, r := range strings.Split(raw, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, utils.CopyString(r))
			}
		}
	}
	// the identity outlives the request buffer (stored tokens keep the user id)
	return &Identity{UserID: utils.CopyString(user), TenantID: utils.CopyString(tenant), Roles: roles}, nil
}

// Claims is our custom JWT payload (subject=userID, plus tenant and roles).
type Claims struct {
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	Secret []byte
}

func NewJWTValidator(secret string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrAuthNotConfigured
	}
	return &JWTValidator{Secret: []byte(secret)}, nil
}

func (v *JWTValidator) Validate(c *fiber.Ctx) (*Identity, error) {
	h := c.Get(authHeader)
	if h == "" || !strings.HasPrefix(strings.ToLower(h), strings.ToLower(bearerPrefix)) {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "missing/invalid Authorization header")
	}
	raw := strings.TrimSpace(h[len(bearerPrefix):])
	if raw == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid bearer token")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Tenant) == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "token missing subject/tenant")
	}
	return &Identity{UserID: claims.Subject, TenantID: claims.Tenant, Roles: claims.Roles}, nil
}

// GenerateJWT signs an HS256 token for userID in tenant.
func GenerateJWT(secret []byte, userID, tenant string, roles []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrAuthNotConfigured
	}
	now := time.Now()
	claims := &Claims{
		Tenant: tenant,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticate runs v and stashes the identity for later stages.
func Authenticate(v Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := v.Validate(c)
		if err != nil {
			return err
		}
		c.Locals(localUserID, id.UserID)
		c.Locals(localTenantID, id.TenantID)
		c.Locals(localRoles, id.Roles)
		return c.Next()
	}
}

// HasRole reports whether the identity carries any of roles.
func (id *Identity) HasRole(roles ...string) bool {
	for _, have := range id.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// CurrentIdentity returns what Authenticate stored, or ErrUnauthenticated.
func CurrentIdentity(c *fiber.Ctx) (*Identity, error) {
	user, _ := c.Locals(localUserID).(string)
	tenant, _ := c.Locals(localTenantID).(string)
	if user == "" {
		return nil, ErrUnauthenticated
	}
	roles, _ := c.Locals(localRoles).([]string)
	return &Identity{UserID: user, TenantID: tenant, Roles: roles}, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong principal id or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken is returned for expired, forged or malformed bearer tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidPrincipal rejects malformed principal ids and unknown roles.
	ErrInvalidPrincipal = errors.New("auth: invalid principal")
)

const defaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
	tokenTTL  time.Duration
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Principal Principal `json:"principal"`
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
		tokenTTL:  defaultTokenTTL,
	}
}

// WithClock overrides the clock used to stamp and validate tokens.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTokenTTL overrides how long issued tokens stay valid.
func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// Register creates a new principal.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Principal, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidPrincipal)
	}
	if strings.HasPrefix(id, "escrow:") || strings.ContainsFunc(id, unicode.IsSpace) || strings.Contains(id, "/") {
		return nil, fmt.Errorf("%w: id %q", ErrInvalidPrincipal, id)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleTrader
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidPrincipal, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	p, err := s.repo.CreatePrincipal(ctx, CreatePrincipalParams{
		ID:           id,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// SignUp registers a principal on its own behalf. Self-service principals are
// always traders, whatever role the request names.
func (s *Service) SignUp(ctx context.Context, req RegisterRequest) (*Principal, error) {
	req.Role = RoleTrader
	return s.Register(ctx, req)
}

// EnsureOperator creates the operator id unless a principal with that id
// already exists.
func (s *Service) EnsureOperator(ctx context.Context, id, password string) error {
	_, err := s.Register(ctx, RegisterRequest{ID: id, Password: password, Role: RoleOperator})
	if errors.Is(err, ErrDuplicatePrincipal) {
		return nil
	}
	return err
}

// Login authenticates a principal and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipal(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expires, err := s.generateToken(p.ID, p.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	p.PasswordHash = ""
	return LoginResult{Token: token, ExpiresAt: expires, Principal: p}, nil
}

// VerifyToken validates a bearer token and returns the principal id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return "", "", fmt.Errorf("%w: invalid role claim", ErrInvalidToken)
	}
	return sub, Role(roleStr), nil
}

func (s *Service) generateToken(principalID string, role Role) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"sub":  principalID,
		"role": string(role),
		"exp":  expires.Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expires, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleTrader, RoleOperator:
		return true
	default:
		return false
	}
}

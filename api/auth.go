package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AuthOptions configures bearer token validation. A non-empty HMACSecret
// selects HS256 with that secret; otherwise tokens are RS256 and verified
// against the Auth0 tenant's JWKS.
type AuthOptions struct {
	Domain       string
	Audience     string
	HMACSecret   string
	JWKSCacheTTL time.Duration
}

// Auth validates bearer JWTs and turns their claims into a User.
type Auth struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth builds an Auth from opts, fetching the JWKS when needed.
func NewAuth(opts AuthOptions) (*Auth, error) {
	var issuer string
	if opts.Domain != "" {
		issuer = "https://" + opts.Domain + "/"
	}
	if opts.HMACSecret != "" {
		return newHMACAuth([]byte(opts.HMACSecret), opts.Audience, issuer), nil
	}
	if opts.Domain == "" {
		return nil, errors.New("auth: domain or hmac secret required")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", opts.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks: %w", err)
	}
	return newJWKSAuth(jwks, opts.Audience, issuer, opts.JWKSCacheTTL), nil
}

func newHMACAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		secret:   secret,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func newJWKSAuth(jwks *keyfunc.JWKS, audience, issuer string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return &Auth{
		jwks:        jwks,
		audience:    audience,
		issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: ttl,
	}
}

// UserFromAuthHeader validates the bearer token in h and returns its subject.
func (a *Auth) UserFromAuthHeader(h string) (User, error) {
	raw, err := bearerToken(h)
	if err != nil {
		return User{}, err
	}

	token, err := a.parser.Parse(raw, a.key)
	if err != nil {
		return User{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return User{}, errors.New("token expired")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return User{}, errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return User{}, errors.New("invalid issuer")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return User{}, errors.New("missing sub")
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	return User{ID: sub, Name: name, Email: email}, nil
}

func (a *Auth) key(token *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// bearerToken extracts a compact JWT from a "Bearer <token>" header value.
func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	scheme, token, ok := strings.Cut(h, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// Close stops background JWKS refreshes.
func (a *Auth) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// IssueHS256Token signs a token for user with opts.HMACSecret, valid for ttl.
// It exists for local development against an HS256 configured server.
func IssueHS256Token(opts AuthOptions, user User, ttl time.Duration) (string, error) {
	if opts.HMACSecret == "" {
		return "", errors.New("auth: hmac secret required")
	}
	if user.ID == "" {
		return "", errors.New("auth: subject required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Domain != "" {
		claims["iss"] = "https://" + opts.Domain + "/"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.HMACSecret))
}

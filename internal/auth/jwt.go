package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	OperatorKey contextKey = "operator"
	TenantIDKey contextKey = "tenant_id"
)

// OperatorHeader lets a trusted proxy assert the operator after validating
// the token itself. JWTValidator ignores it unless TrustProxyHeader is set.
const OperatorHeader = "x-operator-id"

// Claims are the fields the API relies on.
type Claims struct {
	Operator string
	TenantID string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	trustProxy bool
}

// NewJWTValidator creates a new JWT validator from a PEM encoded RSA public key
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorFromKey(pub, issuer, audience), nil
}

func NewJWTValidatorFromKey(pub *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{publicKey: pub, issuer: issuer, audience: audience}
}

// TrustProxyHeader makes the middleware accept OperatorHeader in place of a
// bearer token. Only enable it when every request comes through a proxy that
// strips the header from clients.
func (v *JWTValidator) TrustProxyHeader(trust bool) *JWTValidator {
	v.trustProxy = trust
	return v
}

// ParsePublicKey accepts PKCS1 and PKIX encodings.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// ValidateToken validates a JWT token and returns the operator claims
func (v *JWTValidator) ValidateToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %v", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid claims")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Claims{}, fmt.Errorf("missing sub claim")
	}
	tenantID, _ := claims["tenant_id"].(string)
	return Claims{Operator: sub, TenantID: tenantID}, nil
}

// skipAuth lists routes that carry their own verification or none at all.
func skipAuth(path string) bool {
	return path == "/healthz" || path == "/metrics" || strings.HasPrefix(path, "/webhooks/")
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if op := r.Header.Get(OperatorHeader); op != "" && v.trustProxy && r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		claims, err := v.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, fmt.Sprintf("invalid token: %v", err))
			return
		}

		ctx := WithOperator(r.Context(), claims.Operator)
		if claims.TenantID != "" {
			ctx = context.WithValue(ctx, TenantIDKey, claims.TenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Anonymous stamps every request with a fixed operator. Used when auth is disabled.
func Anonymous(operator string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := r.Header.Get(OperatorHeader)
			if op == "" {
				op = operator
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}

// OperatorFromContext returns the authenticated operator
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorKey).(string)
	return op, ok && op != ""
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok
}

// IssueToken signs an RS256 token for operator, valid for ttl.
func IssueToken(key *rsa.PrivateKey, kid, issuer, audience, operator, tenantID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": operator,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if tenantID != "" {
		claims["tenant_id"] = tenantID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(key)
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJSONWebKey encodes pub as an RS256 signing key.
func NewJSONWebKey(kid string, pub *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// PublicKey decodes the RSA modulus and exponent.
func (k JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %v", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %v", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS fetches the JWKS from a URL and returns the key with the given
// kid, or the first key when kid is empty.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL, kid string) (*rsa.PublicKey, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) == 0 {
		return nil, fmt.Errorf("no keys found in JWKS")
	}
	for _, k := range jwks.Keys {
		if kid == "" || k.Kid == kid {
			return k.PublicKey()
		}
	}
	return nil, fmt.Errorf("no key with kid %q", kid)
}

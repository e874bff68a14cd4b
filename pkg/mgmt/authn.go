package mgmt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity attached to a request.
type Claims struct {
	Subject           string
	PreferredUsername string
	Roles             []string
}

// Actor is the audit identity: the preferred username, falling back to the
// token subject.
func (c Claims) Actor() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

// HasRole reports whether the claims carry the role. The admin role
// satisfies every check.
func (c Claims) HasRole(role string) bool {
	need := roleRank(role)
	for _, r := range c.Roles {
		if roleRank(r) >= need {
			return true
		}
	}
	return false
}

// roleRank orders the built-in roles; admin outranks everything.
func roleRank(role string) int {
	switch role {
	case "viewer":
		return 1
	case "operator":
		return 2
	case "admin":
		return 3
	default:
		return 0
	}
}

// Verifier checks RS256 bearer tokens against a fixed public key or a
// JWKS file, selected by kid.
type Verifier struct {
	issuer   string
	audience string
	clientID string

	fixed *rsa.PublicKey
	keys  map[string]*rsa.PublicKey
}

// NewVerifier builds a verifier from a PEM public key and/or a JWKS file
// path. At least one key source must be usable.
func NewVerifier(issuer, audience, clientID, publicKeyPEM, jwksPath string) (*Verifier, error) {
	v := &Verifier{
		issuer:   issuer,
		audience: audience,
		clientID: clientID,
		keys:     map[string]*rsa.PublicKey{},
	}
	if publicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("mgmt: parse public key: %w", err)
		}
		v.fixed = key
	}
	if jwksPath != "" {
		keys, err := loadJWKS(jwksPath)
		if err != nil {
			return nil, err
		}
		v.keys = keys
	}
	if v.fixed == nil && len(v.keys) == 0 {
		return nil, errors.New("mgmt: no token verification key configured")
	}
	return v, nil
}

type jwksDoc struct {
	Keys []struct {
		Kid string   `json:"kid"`
		Kty string   `json:"kty"`
		N   string   `json:"n"`
		E   string   `json:"e"`
		X5C []string `json:"x5c"`
	} `json:"keys"`
}

// loadJWKS reads a JWKS file and builds RSA keys from either the x5c
// certificate chain or the raw n/e components.
func loadJWKS(path string) (map[string]*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mgmt: read jwks: %w", err)
	}
	var doc jwksDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("mgmt: parse jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if len(k.X5C) > 0 {
			der, err := base64.StdEncoding.DecodeString(k.X5C[0])
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				continue
			}
			if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
				keys[k.Kid] = pub
			}
			continue
		}
		if k.N != "" && k.E != "" {
			nb, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				continue
			}
			eb, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				continue
			}
			keys[k.Kid] = &rsa.PublicKey{
				N: new(big.Int).SetBytes(nb),
				E: int(new(big.Int).SetBytes(eb).Int64()),
			}
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("mgmt: jwks contains no usable RSA keys")
	}
	return keys, nil
}

func (v *Verifier) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
	}
	if v.fixed != nil {
		return v.fixed, nil
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// Verify parses and validates a bearer token and extracts the claims the
// control plane cares about. Errors are machine readable as
// "jwt_invalid:<reason>".
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var mc jwt.MapClaims
	token, err := jwt.ParseWithClaims(tokenString, &mc, v.keyFor, opts...)
	if err != nil {
		return nil, fmt.Errorf("jwt_invalid:%s", reasonOf(err))
	}
	if !token.Valid {
		return nil, errors.New("jwt_invalid:token")
	}

	c := &Claims{}
	c.Subject, _ = mc["sub"].(string)
	c.PreferredUsername, _ = mc["preferred_username"].(string)
	c.Roles = extractRoles(mc, v.clientID)
	return c, nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "token"
	}
}

// extractRoles merges realm roles with the roles granted under the
// configured client id.
func extractRoles(mc jwt.MapClaims, clientID string) []string {
	var roles []string
	if realm, ok := mc["realm_access"].(map[string]any); ok {
		roles = append(roles, stringList(realm["roles"])...)
	}
	if resources, ok := mc["resource_access"].(map[string]any); ok {
		if client, ok := resources[clientID].(map[string]any); ok {
			roles = append(roles, stringList(client["roles"])...)
		}
	}
	return roles
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

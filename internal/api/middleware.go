/**
 * @description
 * HTTP middleware for the payments-service API: source-IP authentication for the
 * webhook ingress and JWT bearer authentication for the operator endpoints.
 *
 * Webhook deliveries carry no signature, so the only authentication signal is the
 * caller's network address. Which address counts as "the caller" depends on the
 * deployment: a directly-exposed service trusts only the TCP peer, while a service
 * behind a trusted reverse proxy reads the first X-Forwarded-For entry. That choice
 * is an explicit policy knob, never an autodetected guess, because trusting a
 * forwarding header on a directly-exposed service lets anyone spoof an allowed IP.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and claims validation for operators.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nyumbani/payments-service/internal/config"
)

type contextKey string

// ContextKeyOperatorID is the context key under which the authenticated
// operator's subject claim is stored.
const ContextKeyOperatorID contextKey = "operator_id"

// SourceAuthenticator rejects webhook deliveries whose resolved source address is
// not on the provider allow-list.
type SourceAuthenticator struct {
	allowed    map[string]struct{}
	proxyTrust string
}

// NewSourceAuthenticator builds the authenticator from the configured allow-list
// and proxy trust policy. An empty allow-list denies everything; that is the safe
// default for a misconfigured deployment and is flagged loudly at startup.
func NewSourceAuthenticator(allowedIPs []string, proxyTrust string) *SourceAuthenticator {
	allowed := make(map[string]struct{}, len(allowedIPs))
	for _, raw := range allowedIPs {
		if ip := net.ParseIP(strings.TrimSpace(raw)); ip != nil {
			allowed[ip.String()] = struct{}{}
		} else {
			log.Printf("level=warn component=source_auth msg=\"ignoring unparseable allow-list entry\" entry=%q", raw)
		}
	}
	if len(allowed) == 0 {
		log.Printf("level=warn component=source_auth msg=\"empty source allow-list; all webhook deliveries will be rejected\"")
	}
	return &SourceAuthenticator{allowed: allowed, proxyTrust: proxyTrust}
}

// Middleware resolves the caller's source address under the configured policy and
// rejects the request with 403 when it is not allow-listed. Rejected deliveries
// are never persisted.
func (a *SourceAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP := a.callerIP(r)
		if _, ok := a.allowed[sourceIP]; !ok {
			log.Printf("level=warn component=source_auth msg=\"rejected delivery from unlisted source\" source_ip=%s path=%s", sourceIP, r.URL.Path)
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerIP resolves the source address for authentication. Under the `none`
// policy forwarding headers are ignored entirely.
func (a *SourceAuthenticator) callerIP(r *http.Request) string {
	if a.proxyTrust == config.ProxyTrustFirstForwardedIP {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// jwksDocument is the subset of an RFC 7517 key set the middleware needs.
type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// JWTAuthenticator validates operator bearer tokens against the identity
// provider's JWKS endpoint.
type JWTAuthenticator struct {
	jwksURL  string
	issuer   string
	audience string
	client   *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// jwksCacheTTL bounds how long fetched signing keys are reused before a refresh.
const jwksCacheTTL = 15 * time.Minute

// NewJWTAuthenticator creates an authenticator against the given JWKS endpoint.
// issuer and audience checks are applied only when configured.
func NewJWTAuthenticator(jwksURL, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     map[string]*rsa.PublicKey{},
	}
}

// Middleware enforces a valid RS256 bearer token and stores the subject claim in
// the request context.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		rawToken := strings.TrimPrefix(authHeader, "Bearer ")

		options := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
		if a.issuer != "" {
			options = append(options, jwt.WithIssuer(a.issuer))
		}
		if a.audience != "" {
			options = append(options, jwt.WithAudience(a.audience))
		}

		token, err := jwt.Parse(rawToken, a.keyForToken, options...)
		if err != nil || !token.Valid {
			log.Printf("level=warn component=jwt_auth msg=\"rejected operator token\" err=%v", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			writeError(w, http.StatusUnauthorized, "token has no subject")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyOperatorID, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// keyForToken resolves the token's signing key by kid, refreshing the JWKS cache
// when the kid is unknown or the cache is stale.
func (a *JWTAuthenticator) keyForToken(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}

	a.mu.RLock()
	key, ok := a.keys[kid]
	fresh := time.Since(a.fetchedAt) < jwksCacheTTL
	a.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := a.refreshKeys(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	key, ok = a.keys[kid]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no signing key for kid %q", kid)
	}
	return key, nil
}

func (a *JWTAuthenticator) refreshKeys() error {
	resp, err := a.client.Get(a.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=jwt_auth msg=\"skipping unparseable jwks key\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contained no usable RSA keys")
	}

	a.mu.Lock()
	a.keys = keys
	a.fetchedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/siws"
)

// Reader is the holder of a read-only bearer token.
type Reader struct {
	Subject string
	Source  string
}

type readerKey struct{}
type statementKey struct{}

func withReader(ctx context.Context, r Reader) context.Context {
	return context.WithValue(ctx, readerKey{}, r)
}

func readerFromContext(ctx context.Context) (Reader, bool) {
	r, ok := ctx.Value(readerKey{}).(Reader)
	return r, ok
}

func withStatement(ctx context.Context, st domain.SignedStatement) context.Context {
	return context.WithValue(ctx, statementKey{}, st)
}

func statementFromContext(ctx context.Context) (domain.SignedStatement, bool) {
	st, ok := ctx.Value(statementKey{}).(domain.SignedStatement)
	return st, ok
}

type readClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// ReadScope is the only scope a bearer token can carry.
const ReadScope = "read"

// IssueReadToken mints an HS256 token for dashboards and the CLI.
func IssueReadToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}
	claims := readClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: ReadScope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token, secret string) (Reader, error) {
	if strings.TrimSpace(secret) == "" {
		return Reader{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &readClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Reader{}, err
	}
	if !parsed.Valid {
		return Reader{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.Scope != ReadScope {
		return Reader{}, errors.New("token is not a read token")
	}
	return Reader{Subject: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// newAuthMiddleware classifies the Authorization header. Mutations need a
// signed statement envelope; reads may carry a bearer token instead. The
// statement itself is verified by the handler, which knows the intent it
// expects.
func newAuthMiddleware(basePath, jwtSecret string, m *authMetrics) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == path.Join(basePath, "openapi.json") {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			mutation := isMutation(req.Method)
			if authz == "" {
				if mutation {
					m.decision("missing")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authorization header required", nil))
					return
				}
				next.ServeHTTP(w, req)
				return
			}

			if token, ok := bearerToken(authz); ok {
				if mutation {
					m.decision("bearer_on_mutation")
					respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "read tokens cannot authorize changes; sign a statement", nil))
					return
				}
				reader, err := authenticateJWT(token, jwtSecret)
				if err != nil {
					m.decision("invalid_token")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withReader(req.Context(), reader)))
				return
			}

			st, err := siws.ParseHeader(authz)
			if err != nil {
				m.decision(string(siws.KindMalformedEnvelope))
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withStatement(req.Context(), st)))
		})
	}
}

// statementCheck is what a mutation demands of its signed statement.
type statementCheck struct {
	intent      domain.Intent
	params      map[string]string
	requirement auth.Requirement
}

// authorize verifies the request's statement, checks that it names this
// exact operation and resolves the signer's scope.
func (s *service) authorize(ctx context.Context, check statementCheck) (domain.AuthorizedActor, huma.StatusError) {
	st, ok := statementFromContext(ctx)
	if !ok {
		s.metrics.decision("missing")
		return domain.AuthorizedActor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authorization header required", nil)
	}
	verified, err := s.verifier.VerifyStatement(ctx, st)
	if err != nil {
		var se *siws.Error
		if errors.As(err, &se) {
			s.metrics.decision(string(se.Kind))
		}
		return domain.AuthorizedActor{}, handleError(err)
	}
	if verified.Intent != check.intent {
		s.metrics.decision("statement_mismatch")
		return domain.AuthorizedActor{}, newAPIError(http.StatusForbidden, "statement_mismatch",
			"signed statement does not authorize this operation", map[string]any{"intent": verified.Intent, "expected": check.intent})
	}
	for k, want := range check.params {
		if !strings.EqualFold(verified.Params[k], want) {
			s.metrics.decision("statement_mismatch")
			return domain.AuthorizedActor{}, newAPIError(http.StatusForbidden, "statement_mismatch",
				"signed statement names a different "+k, map[string]any{k: verified.Params[k], "expected": want})
		}
	}
	actor, err := s.authorizer.Authorize(ctx, verified, check.requirement)
	if err != nil {
		s.metrics.decision("forbidden")
		return domain.AuthorizedActor{}, handleError(err)
	}
	s.metrics.decision("allowed")
	s.logger.InfoContext(ctx, "request authorized", "address", actor.Address, "intent", verified.Intent, "scope", actor.Scope.Kind)
	return actor, nil
}

// requireReader admits a bearer token holder or any verified statement.
func (s *service) requireReader(ctx context.Context) huma.StatusError {
	if _, ok := readerFromContext(ctx); ok {
		return nil
	}
	st, ok := statementFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if _, err := s.verifier.VerifyStatement(ctx, st); err != nil {
		return handleError(err)
	}
	return nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

package gate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/ratelimit"
	"github.com/IVVI0927/AIgreement/pkg/rbac"
)

type ctxKey string

const clientKeyCtx ctxKey = "aigreement.client_key"

func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyCtx, key)
}

// ClientKey returns the resolved client key stored by the gate middleware.
func ClientKey(ctx context.Context) string {
	key, _ := ctx.Value(clientKeyCtx).(string)
	return key
}

// Require admits requests whose credential grants p. The verified identity
// and client key are stored on the request context.
func (g *RequestGate) Require(p rbac.Permission) func(http.Handler) http.Handler {
	return g.middleware(p, false)
}

// RequireAdmission applies only the block and rate-limit steps. Handlers
// behind it report authentication outcomes themselves.
func (g *RequestGate) RequireAdmission() func(http.Handler) http.Handler {
	return g.middleware("", true)
}

func (g *RequestGate) middleware(p rbac.Permission, admissionOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := g.clientIP.Resolve(r)
			token, _ := auth.BearerToken(r)
			req := Request{ClientKey: key, Token: token, Permission: p, Route: r.Method + " " + r.URL.Path}
			id, dec, err := g.check(r.Context(), req, admissionOnly)
			setRateHeaders(w, dec)
			if err != nil {
				WriteRejection(w, r, err)
				return
			}
			ctx := WithClientKey(r.Context(), key)
			if !admissionOnly {
				ctx = auth.WithIdentity(ctx, id)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}

package gate

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/httpx"
)

type RejectKind int

const (
	Blocked RejectKind = iota + 1
	RateLimited
	Unauthorized
	Forbidden
)

func (k RejectKind) String() string {
	switch k {
	case Blocked:
		return "Blocked"
	case RateLimited:
		return "RateLimited"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	default:
		return "Unknown"
	}
}

// Status is the HTTP status a rejection maps to.
func (k RejectKind) Status() int {
	switch k {
	case RateLimited:
		return http.StatusTooManyRequests
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// message is what the caller sees. It carries no internal detail.
func (k RejectKind) message() string {
	switch k {
	case Blocked:
		return "access temporarily blocked"
	case RateLimited:
		return "too many requests"
	case Unauthorized:
		return "authentication required"
	default:
		return "access denied"
	}
}

var (
	ErrBlocked      = errors.New("client blocked")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Rejection is terminal for the request. Err holds the internal cause and
// is only ever logged.
type Rejection struct {
	Kind       RejectKind
	RetryAfter time.Duration
	Err        error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return "request rejected: " + r.Kind.String()
	}
	return fmt.Sprintf("request rejected: %s: %v", r.Kind, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrBlocked:
		return r.Kind == Blocked
	case ErrRateLimited:
		return r.Kind == RateLimited
	case ErrUnauthorized:
		return r.Kind == Unauthorized
	case ErrForbidden:
		return r.Kind == Forbidden
	}
	return false
}

// WriteRejection renders err as the generic error envelope with the
// headers its kind calls for.
func WriteRejection(w http.ResponseWriter, r *http.Request, err error) {
	var rej *Rejection
	if !errors.As(err, &rej) {
		httpx.Error(w, r, http.StatusForbidden, Forbidden.message())
		return
	}
	switch rej.Kind {
	case RateLimited:
		secs := int(math.Ceil(rej.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case Unauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="aigreement"`)
	}
	httpx.Error(w, r, rej.Kind.Status(), rej.Kind.message())
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

// redactEvent replaces the client key and subject with salted digests,
// including any copy of them inside the detail text.
func redactEvent(e secmon.Event, salt []byte) secmon.Event {
	if e.ClientKey != "" {
		hashed := hashString(e.ClientKey, salt)
		e.Detail = strings.ReplaceAll(e.Detail, e.ClientKey, hashed)
		e.ClientKey = hashed
	}
	if e.Subject != "" {
		hashed := hashString(e.Subject, salt)
		e.Detail = strings.ReplaceAll(e.Detail, e.Subject, hashed)
		e.Subject = hashed
	}
	return e
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

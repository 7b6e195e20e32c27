// Package shield inspects inbound requests for script injection, SQL
// injection and cross-site request forgery and reports every detection to
// the security monitor.
package shield

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

// Reporter receives detections. *secmon.Monitor satisfies it.
type Reporter interface {
	Record(e secmon.Event)
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[^>]*>`),
	regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)\bjavascript\s*:`),
	regexp.MustCompile(`(?i)\bvbscript\s*:`),
	regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)(:|style\s*=\s*["']?)\s*expression\(`),
	regexp.MustCompile(`(?is)<\s*(iframe|object|embed|svg)\b`),
}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?\w+'?\s*=\s*'?\w+`),
	regexp.MustCompile(`(?i);\s*(drop\s+(table|database|schema)|truncate\s+table|alter\s+table|delete\s+from\s+\w+\s+where|insert\s+into\s+\w+\s*(\(|values\b|select\b)|update\s+\w+\s+set\b)`),
	regexp.MustCompile(`(?i)'\s*;?\s*--`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(\s*\d+`),
	regexp.MustCompile(`(?i)\bexec(\s|\()+x?p_\w+`),
}

// inspectedHeaders are echoed by browsers from attacker-controlled pages.
var inspectedHeaders = []string{"Referer", "X-Requested-With"}

// Finding is one pattern match.
type Finding struct {
	Type     secmon.EventType
	Location string
}

// Inspect reports the first injection pattern found in s.
func Inspect(s string) (secmon.EventType, bool) {
	if s == "" {
		return "", false
	}
	for _, p := range xssPatterns {
		if p.MatchString(s) {
			return secmon.XSSAttempt, true
		}
	}
	for _, p := range sqlPatterns {
		if p.MatchString(s) {
			return secmon.SQLInjectionAttempt, true
		}
	}
	return "", false
}

type Inspector struct {
	reporter  Reporter
	clientIP  *httpx.ClientIP
	documents []documentFields
}

// documentFields names top-level body fields under a path prefix that carry
// user documents rather than markup or query input.
type documentFields struct {
	prefix string
	fields map[string]struct{}
}

type InspectorOption func(*Inspector)

// WithDocumentFields skips the named top-level JSON fields of requests whose
// path starts with prefix. Nested values and other fields are still scanned.
func WithDocumentFields(prefix string, fields ...string) InspectorOption {
	return func(in *Inspector) {
		d := documentFields{prefix: prefix, fields: make(map[string]struct{}, len(fields))}
		for _, f := range fields {
			d.fields[f] = struct{}{}
		}
		in.documents = append(in.documents, d)
	}
}

func NewInspector(reporter Reporter, clientIP *httpx.ClientIP, opts ...InspectorOption) *Inspector {
	if clientIP == nil {
		clientIP = &httpx.ClientIP{}
	}
	in := &Inspector{reporter: reporter, clientIP: clientIP}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Inspector) skipped(path string) map[string]struct{} {
	var out map[string]struct{}
	for _, d := range in.documents {
		if !strings.HasPrefix(path, d.prefix) {
			continue
		}
		if out == nil {
			out = map[string]struct{}{}
		}
		for f := range d.fields {
			out[f] = struct{}{}
		}
	}
	return out
}

// Scan checks the query string, selected headers and JSON string values
// outside document fields. The body is restored for the next handler.
func (in *Inspector) Scan(r *http.Request) (Finding, bool, error) {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			if t, ok := Inspect(v); ok {
				return Finding{Type: t, Location: "query parameter " + name}, true, nil
			}
		}
	}
	for _, h := range inspectedHeaders {
		if t, ok := Inspect(r.Header.Get(h)); ok {
			return Finding{Type: t, Location: "header " + h}, true, nil
		}
	}
	if r.Body == nil || r.Body == http.NoBody || !isJSON(r.Header.Get("Content-Type")) {
		return Finding{}, false, nil
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return Finding{}, false, err
	}
	var doc any
	if json.Unmarshal(raw, &doc) != nil {
		// malformed JSON is the handler's problem
		return Finding{}, false, nil
	}
	if skip := in.skipped(r.URL.Path); len(skip) > 0 {
		if obj, ok := doc.(map[string]any); ok {
			trimmed := make(map[string]any, len(obj))
			for k, v := range obj {
				if _, ok := skip[k]; !ok {
					trimmed[k] = v
				}
			}
			doc = trimmed
		}
	}
	f, found := walk(doc, "body")
	return f, found, nil
}

func walk(v any, path string) (Finding, bool) {
	switch val := v.(type) {
	case string:
		if t, ok := Inspect(val); ok {
			return Finding{Type: t, Location: path}, true
		}
	case map[string]any:
		for k, child := range val {
			if t, ok := Inspect(k); ok {
				return Finding{Type: t, Location: path + " key"}, true
			}
			if f, ok := walk(child, path+"."+k); ok {
				return f, true
			}
		}
	case []any:
		for _, child := range val {
			if f, ok := walk(child, path+"[]"); ok {
				return f, true
			}
		}
	}
	return Finding{}, false
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

// Middleware rejects requests carrying injection patterns with a generic
// 400 and reports them.
func (in *Inspector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, found, err := in.Scan(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			httpx.Error(w, r, http.StatusBadRequest, "invalid request")
			return
		}
		if found {
			if in.reporter != nil {
				in.reporter.Record(secmon.Event{
					Type:      f.Type,
					ClientKey: in.clientIP.Resolve(r),
					Detail:    "pattern in " + f.Location + " on " + r.Method + " " + r.URL.Path,
				})
			}
			httpx.Error(w, r, http.StatusBadRequest, "invalid request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

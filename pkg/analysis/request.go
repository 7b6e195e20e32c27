// Package analysis handles contract analysis requests: validation,
// persistence, the guarded call to the analysis service and the fallback
// payload that replaces it when the service cannot answer.
package analysis

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/IVVI0927/AIgreement/pkg/fault"
	"github.com/IVVI0927/AIgreement/pkg/llmclient"
)

const (
	minTitleLen   = 3
	maxTitleLen   = 255
	minContentLen = 10
	// MaxContentLen bounds contract text accepted inline or extracted from
	// an upload.
	MaxContentLen = 1 << 20
)

// ValidationError carries a message that is safe to show to API callers.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func invalid(field, msg string) error {
	return fault.New(fault.Input, "validate", &ValidationError{Field: field, Message: msg})
}

// Request is the body of the three analysis endpoints.
type Request struct {
	ContractID            string `json:"contractId,omitempty"`
	Title                 string `json:"title"`
	Content               string `json:"content"`
	ContractType          string `json:"contractType,omitempty"`
	AnalysisDepth         string `json:"analysisDepth,omitempty"`
	IncludeRiskAssessment bool   `json:"includeRiskAssessment"`
	IncludeCompliance     bool   `json:"includeCompliance"`
}

// NewRequest returns a request with the documented defaults set so that a
// decoded body only overrides what the caller sent.
func NewRequest() Request {
	return Request{AnalysisDepth: "standard", IncludeRiskAssessment: true, IncludeCompliance: true}
}

// Normalize trims the free-text fields and fills defaults.
func (r *Request) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.ContractType = strings.TrimSpace(r.ContractType)
	r.AnalysisDepth = strings.ToLower(strings.TrimSpace(r.AnalysisDepth))
	if r.AnalysisDepth == "" {
		r.AnalysisDepth = "standard"
	}
}

// Validate reports the first problem as a fault.Input error wrapping a
// *ValidationError.
func (r Request) Validate() error {
	switch n := utf8.RuneCountInString(r.Title); {
	case n == 0:
		return invalid("title", "contract title is required")
	case n < minTitleLen || n > maxTitleLen:
		return invalid("title", "title must be between 3 and 255 characters")
	}
	content := strings.TrimSpace(r.Content)
	switch {
	case content == "":
		return invalid("content", "contract content is required")
	case utf8.RuneCountInString(content) < minContentLen:
		return invalid("content", "content must be at least 10 characters")
	case len(r.Content) > MaxContentLen:
		return invalid("content", "content is too large")
	}
	switch r.AnalysisDepth {
	case "", "quick", "standard", "detailed":
	default:
		return invalid("analysisDepth", "analysisDepth must be quick, standard or detailed")
	}
	return nil
}

func (r Request) downstream() llmclient.Request {
	return llmclient.Request{
		Title:                 r.Title,
		Content:               r.Content,
		ContractType:          r.ContractType,
		AnalysisDepth:         r.AnalysisDepth,
		IncludeRiskAssessment: r.IncludeRiskAssessment,
		IncludeCompliance:     r.IncludeCompliance,
	}
}

// ValidationMessage returns the caller-facing message of a validation
// failure, or "" when err is not one.
func ValidationMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return ""
}

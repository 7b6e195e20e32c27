package analysis

import "github.com/IVVI0927/AIgreement/pkg/llmclient"

const (
	StatusCompleted = "COMPLETED"
	StatusFallback  = "FALLBACK"

	fallbackRecommendation = "Please try again later or contact support if the issue persists"
)

var fallbackMessages = map[llmclient.Operation]string{
	llmclient.Analyze:        "LLM service is temporarily unavailable for contract analysis",
	llmclient.ExtractClauses: "LLM service is temporarily unavailable for clause extraction",
	llmclient.AssessRisk:     "LLM service is temporarily unavailable for risk assessment",
}

// FallbackResult is the deterministic payload served when the analysis
// service cannot answer op.
func FallbackResult(op llmclient.Operation) llmclient.Result {
	msg, ok := fallbackMessages[op]
	if !ok {
		msg = fallbackMessages[llmclient.Analyze]
	}
	return llmclient.Result{
		Status:          StatusFallback,
		Summary:         msg,
		RiskLevel:       "UNKNOWN",
		KeyClauses:      []llmclient.Clause{},
		Issues:          []string{msg},
		Recommendations: []string{fallbackRecommendation},
	}
}

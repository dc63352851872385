package triage

import "strings"

// CannedResponse is a static (answer, next step) pair served when the live
// triage backend is unavailable.
type CannedResponse struct {
	Answer              string
	RecommendedNextStep string
}

// The three follow-up prompts offered in the modal. Their fallback text is
// keyed by the exact prompt string.
const (
	PromptThirtyDayPlan = "Show me a 30-day plan"
	PromptValidateFirst = "What should I validate first?"
	PromptWhenEscalate  = "When should I escalate this?"
)

var followUpFallbacks = map[string]string{
	PromptThirtyDayPlan: "Start with a two-week diligence sprint: week one is data-room review and management interviews, weeks two through four cover market sizing, quality-of-earnings checks, and a valuation range you can defend.",
	PromptValidateFirst: "Validate revenue durability first — customer concentration, churn, and contract terms explain most post-close surprises.",
	PromptWhenEscalate:  "Escalate as soon as a deal passes initial screening or a red flag surfaces in diligence; a specialist can usually triage it within one business day.",
}

// FollowUpFallback returns the fixed fallback sentence for a known follow-up
// prompt, matched on exact text.
func FollowUpFallback(prompt string) (string, bool) {
	text, ok := followUpFallbacks[prompt]
	return text, ok
}

// pattern maps question keywords to a canned triage response.
type pattern struct {
	keywords []string
	response CannedResponse
}

var patterns = []pattern{
	{
		keywords: []string{"valuation", "multiple", "price", "worth"},
		response: CannedResponse{
			Answer:              "Valuation questions usually come down to earnings quality and comparables. Pull trailing twelve-month EBITDA, normalize for one-time items, and benchmark against recent transactions in the same segment.",
			RecommendedNextStep: "Request a quality-of-earnings review before anchoring on a multiple.",
		},
	},
	{
		keywords: []string{"diligence", "data room", "dataroom", "red flag"},
		response: CannedResponse{
			Answer:              "Focus diligence on the items that change the deal thesis: revenue concentration, contract assignability, and working-capital seasonality. Everything else can run in parallel workstreams.",
			RecommendedNextStep: "Build a two-week diligence checklist split by workstream owner.",
		},
	},
	{
		keywords: []string{"exit", "sell", "sale", "divest"},
		response: CannedResponse{
			Answer:              "Exit readiness is mostly about clean financials and a defensible growth story. Buyers discount heavily for surprises found late in the process.",
			RecommendedNextStep: "Commission a sell-side readiness assessment six months before going to market.",
		},
	},
	{
		keywords: []string{"raise", "fundraising", "capital", "debt"},
		response: CannedResponse{
			Answer:              "Capital structure decisions depend on cash-flow stability. Stable recurring revenue supports more leverage; project-based revenue argues for equity or flexible mezzanine terms.",
			RecommendedNextStep: "Model downside covenant headroom before choosing a structure.",
		},
	},
}

// defaultResponse is served when no keyword pattern matches.
var defaultResponse = CannedResponse{
	Answer:              "I can help you triage that. The fastest path is a short scoping conversation so we can route the question to the right diligence or valuation specialist.",
	RecommendedNextStep: "Escalate to a specialist for a scoping call.",
}

// Resolve matches a question against the keyword patterns and returns a
// canned response. Matching is case-insensitive, first pattern wins.
func Resolve(question string) CannedResponse {
	q := strings.ToLower(question)
	for _, p := range patterns {
		for _, kw := range p.keywords {
			if strings.Contains(q, kw) {
				return p.response
			}
		}
	}
	return defaultResponse
}

// Package escalation classifies free text (plus optional sentiment) into an
// escalation decision using phrase rules.
//
// Detection is pure and deterministic. Malformed input never errors: it
// escalates with UNKNOWN_HIGH_RISK at LOW confidence so a human looks at it.
package escalation

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// Reason is a concrete cause for escalation.
type Reason string

const (
	ReasonObjection           Reason = "objection"
	ReasonPricingOrContract   Reason = "pricing_or_contract"
	ReasonComplianceSensitive Reason = "compliance_sensitive"
	ReasonNegativeSentiment   Reason = "negative_sentiment"
	ReasonUnknownHighRisk     Reason = "unknown_high_risk"
)

// Confidence is ordered Low < Medium < High.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// NegativeScoreThreshold: scores strictly below it count as negative.
const NegativeScoreThreshold = -0.5

// Result is the classifier output. It is recomputed on every call.
type Result struct {
	Escalate   bool       `json:"escalate"`
	Reasons    []Reason   `json:"reasons"`
	Confidence Confidence `json:"confidence"`
	Meta       Meta       `json:"meta"`
}

// Meta carries provenance and match details for audit only. Nothing in it
// influences the decision.
type Meta struct {
	Matches       map[Reason][]string `json:"matches,omitempty"`
	Channel       string              `json:"channel,omitempty"`
	ActionOrigin  string              `json:"action_origin,omitempty"`
	ProvenanceOK  bool                `json:"provenance_ok"`
	Malformed     bool                `json:"malformed,omitempty"`
	InputErrors   []string            `json:"input_errors,omitempty"`
	SentimentUsed string              `json:"sentiment_used,omitempty"`
}

type phrase struct {
	label string
	re    *regexp.Regexp
}

func phrases(defs ...string) []phrase {
	out := make([]phrase, 0, len(defs)/2)
	for i := 0; i+1 < len(defs); i += 2 {
		out = append(out, phrase{label: defs[i], re: regexp.MustCompile(defs[i+1])})
	}
	return out
}

var (
	objectionPhrases = phrases(
		"not interested", `\bnot\s+interested\b`,
		"no longer interested", `\bno\s+longer\s+interested\b`,
		"stop calling", `\bstop\s+(calling|contacting)\b`,
		"stop emailing", `\bstop\s+(emailing|texting|messaging)\b`,
		"unsubscribe", `\bunsubscribe\b`,
		"do not contact", `\b(do\s+not|don't|dont)\s+contact\b`,
		"remove me", `\bremove\s+me\b`,
		"leave me alone", `\bleave\s+me\s+alone\b`,
		"opt out", `\bopt(\s+|-)?out\b`,
	)

	pricingPhrases = phrases(
		"price", `\bprices?\b`,
		"pricing", `\bpricing\b`,
		"too expensive", `\btoo\s+expensive\b`,
		"refund", `\brefund(s|ed)?\b`,
		"cancel contract", `\bcancel(l?ing)?\s+(the\s+|my\s+|our\s+)?(contract|subscription)\b`,
		"terminate agreement", `\bterminat(e|ing)\s+(the\s+|my\s+|our\s+)?(contract|agreement)\b`,
		"discount", `\bdiscounts?\b`,
		"invoice dispute", `\b(dispute|disputing)\s+(the\s+)?(invoice|charge|bill)\b`,
		"billing", `\bbilling\b`,
	)

	compliancePhrases = phrases(
		"lawyer", `\b(lawyer|attorney|solicitor)s?\b`,
		"legal action", `\blegal\s+action\b`,
		"lawsuit", `\b(lawsuit|sue|suing)\b`,
		"regulator", `\b(regulator|ombudsman|authority)\b`,
		"gdpr", `\b(gdpr|ccpa|hipaa)\b`,
		"data breach", `\bdata\s+(breach|leak)\b`,
		"fraud", `\b(fraud|fraudulent|scam)\b`,
		"report", `\breport(ing)?\s+(you|this|your\s+company)\b`,
	)

	ambiguousPhrases = phrases(
		"harassed", `\bharass(ed|ment|ing)?\b`,
		"threatened", `\bthreat(en|ened|ening)?\b`,
		"unacceptable", `\bunacceptable\b`,
		"complaint", `\bcomplain(t|ts|ing)?\b`,
		"furious", `\b(furious|outraged)\b`,
	)

	folder = cases.Fold()
)

func match(text string, set []phrase) []string {
	var hits []string
	for _, p := range set {
		if p.re.MatchString(text) {
			hits = append(hits, p.label)
		}
	}
	return hits
}

// Detect classifies input. Accepted shapes are Input, *Input and a decoded
// JSON object (map[string]any); anything else is treated as malformed.
func Detect(input any) Result {
	in, errs, ok := normalize(input)
	if !ok {
		return failSafe(errs)
	}
	return classify(in)
}

func failSafe(errs []string) Result {
	return Result{
		Escalate:   true,
		Reasons:    []Reason{ReasonUnknownHighRisk},
		Confidence: ConfidenceLow,
		Meta: Meta{
			Malformed:   true,
			InputErrors: errs,
		},
	}
}

func classify(in Input) Result {
	text := folder.String(in.Text)
	text = strings.Join(strings.Fields(text), " ")

	res := Result{Reasons: []Reason{}, Meta: Meta{Matches: map[Reason][]string{}}}
	res.Meta.Channel = in.Channel
	res.Meta.ActionOrigin = in.ActionOrigin
	res.Meta.ProvenanceOK = len(provenanceErrors(in)) == 0

	add := func(r Reason, c Confidence, hits []string) {
		res.Reasons = append(res.Reasons, r)
		if len(hits) > 0 {
			res.Meta.Matches[r] = hits
		}
		if c.rank() > res.Confidence.rank() {
			res.Confidence = c
		}
	}

	if hits := match(text, objectionPhrases); len(hits) > 0 {
		add(ReasonObjection, ConfidenceHigh, hits)
	}
	if hits := match(text, pricingPhrases); len(hits) > 0 {
		c := ConfidenceMedium
		if len(hits) >= 2 {
			c = ConfidenceHigh
		}
		add(ReasonPricingOrContract, c, hits)
	}
	if hits := match(text, compliancePhrases); len(hits) > 0 {
		add(ReasonComplianceSensitive, ConfidenceHigh, hits)
	}
	if used, negative := isNegative(in.Sentiment); negative {
		res.Meta.SentimentUsed = used
		add(ReasonNegativeSentiment, ConfidenceMedium, nil)
	}

	if len(res.Reasons) == 0 {
		if hits := match(text, ambiguousPhrases); len(hits) > 0 {
			add(ReasonUnknownHighRisk, ConfidenceLow, hits)
		}
	}

	if len(res.Reasons) == 0 {
		res.Escalate = false
		res.Confidence = ConfidenceHigh
		res.Meta.Matches = nil
		return res
	}
	res.Escalate = true
	return res
}

func isNegative(s *Sentiment) (string, bool) {
	if s == nil {
		return "", false
	}
	if strings.EqualFold(strings.TrimSpace(s.Label), "negative") {
		return "label", true
	}
	if s.Score != nil && *s.Score < NegativeScoreThreshold {
		return "score", true
	}
	return "", false
}

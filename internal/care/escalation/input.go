package escalation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Input is the typed detector input.
type Input struct {
	Text         string     `json:"text"`
	Sentiment    *Sentiment `json:"sentiment,omitempty"`
	Channel      string     `json:"channel,omitempty"`
	ActionOrigin string     `json:"action_origin,omitempty"`
}

// Sentiment may carry a label, a score in [-1, 1], or both.
type Sentiment struct {
	Label string   `json:"label,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

var validChannels = map[string]struct{}{
	"email":    {},
	"sms":      {},
	"phone":    {},
	"chat":     {},
	"whatsapp": {},
	"web":      {},
	"system":   {},
}

var validActionOrigins = map[string]struct{}{
	"user_directed":   {},
	"care_autonomous": {},
}

// Validation is the pre-validation report. It never panics or errors.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateInput performs field-level type and enum checks.
func ValidateInput(input any) Validation {
	in, errs, ok := normalize(input)
	if ok {
		errs = append(errs, provenanceErrors(in)...)
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}

func provenanceErrors(in Input) []string {
	var errs []string
	if in.Channel != "" {
		if _, ok := validChannels[in.Channel]; !ok {
			errs = append(errs, fmt.Sprintf("channel %q is not a known channel", in.Channel))
		}
	}
	if in.ActionOrigin != "" {
		if _, ok := validActionOrigins[in.ActionOrigin]; !ok {
			errs = append(errs, fmt.Sprintf("action_origin %q must be user_directed or care_autonomous", in.ActionOrigin))
		}
	}
	return errs
}

// normalize turns any accepted input shape into an Input. ok is false when
// the shape or a field type is wrong.
func normalize(input any) (Input, []string, bool) {
	switch v := input.(type) {
	case nil:
		return Input{}, []string{"input is null"}, false
	case Input:
		return v, nil, true
	case *Input:
		if v == nil {
			return Input{}, []string{"input is null"}, false
		}
		return *v, nil, true
	case map[string]any:
		return fromMap(v)
	case json.RawMessage:
		return fromJSON(v)
	case []byte:
		return fromJSON(v)
	default:
		return Input{}, []string{fmt.Sprintf("input must be an object, got %T", input)}, false
	}
}

func fromJSON(raw []byte) (Input, []string, bool) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Input{}, []string{"input is not valid JSON"}, false
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return Input{}, []string{"input must be a JSON object"}, false
	}
	return fromMap(m)
}

func fromMap(m map[string]any) (Input, []string, bool) {
	var in Input
	var errs []string

	switch t := m["text"].(type) {
	case string:
		in.Text = t
	case nil:
		errs = append(errs, "text is required")
	default:
		errs = append(errs, fmt.Sprintf("text must be a string, got %T", t))
	}

	if raw, present := m["sentiment"]; present && raw != nil {
		s, err := parseSentiment(raw)
		if err != "" {
			errs = append(errs, err)
		} else {
			in.Sentiment = s
		}
	}

	for _, field := range []struct {
		key string
		dst *string
	}{{"channel", &in.Channel}, {"action_origin", &in.ActionOrigin}} {
		raw, present := m[field.key]
		if !present || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s must be a string, got %T", field.key, raw))
			continue
		}
		*field.dst = strings.TrimSpace(s)
	}

	if len(errs) > 0 {
		return Input{}, errs, false
	}
	return in, nil, true
}

func parseSentiment(raw any) (*Sentiment, string) {
	switch v := raw.(type) {
	case string:
		return &Sentiment{Label: v}, ""
	case float64:
		return &Sentiment{Score: &v}, ""
	case int:
		f := float64(v)
		return &Sentiment{Score: &f}, ""
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, "sentiment score is not a number"
		}
		return &Sentiment{Score: &f}, ""
	case map[string]any:
		s := &Sentiment{}
		if label, ok := v["label"]; ok && label != nil {
			l, isString := label.(string)
			if !isString {
				return nil, fmt.Sprintf("sentiment.label must be a string, got %T", label)
			}
			s.Label = l
		}
		if score, ok := v["score"]; ok && score != nil {
			f, isNumber := score.(float64)
			if !isNumber {
				return nil, fmt.Sprintf("sentiment.score must be a number, got %T", score)
			}
			s.Score = &f
		}
		return s, ""
	default:
		return nil, fmt.Sprintf("sentiment must be a label, score or object, got %T", raw)
	}
}

package dialog

import "encoding/json"

// Hypothesis is one candidate bot response proposed by a skill for the
// current human utterance. Skill payloads are free-form: fields beyond the
// canonical ones survive in Extra and are flattened back on the wire.
type Hypothesis struct {
	SkillName   string
	Text        string
	Confidence  float64
	Annotations map[string]any
	Extra       map[string]any
}

// HypothesisFromPayload builds a hypothesis for the given skill label.
// Payload fields overlay the defaults, so a payload carrying its own
// skill_name wins over the label.
func HypothesisFromPayload(label string, payload map[string]any) *Hypothesis {
	h := &Hypothesis{SkillName: label, Annotations: map[string]any{}}
	for k, v := range payload {
		switch k {
		case "skill_name":
			if s, ok := v.(string); ok {
				h.SkillName = s
			}
		case "text":
			if s, ok := v.(string); ok {
				h.Text = s
			}
		case "confidence":
			h.Confidence = toFloat(v)
		case "annotations":
			if m, ok := v.(map[string]any); ok && m != nil {
				h.Annotations = m
			}
		default:
			if h.Extra == nil {
				h.Extra = map[string]any{}
			}
			h.Extra[k] = v
		}
	}
	return h
}

// AsMap renders the flattened wire shape.
func (h *Hypothesis) AsMap() map[string]any {
	m := make(map[string]any, len(h.Extra)+4)
	for k, v := range h.Extra {
		m[k] = v
	}
	m["skill_name"] = h.SkillName
	m["text"] = h.Text
	m["confidence"] = h.Confidence
	m["annotations"] = emptyIfNil(h.Annotations)
	return m
}

func (h *Hypothesis) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.AsMap())
}

func (h *Hypothesis) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*h = *HypothesisFromPayload("", m)
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

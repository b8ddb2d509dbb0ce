// Package dialog holds the conversation state shared by the orchestrator,
// the storage layer and the HTTP surface. A Dialog is a plain value with
// explicit mutators; scheduling state never lives here.
package dialog

import (
	"encoding/json"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Kind tags an utterance as human- or bot-authored.
type Kind string

const (
	KindHuman Kind = "human"
	KindBot   Kind = "bot"
)

// Dialog is the append-only conversation log for one user on one channel.
// Utterances are totally ordered by InDialogID; the tail is either a human
// utterance awaiting a reply or the bot reply that closed the turn.
type Dialog struct {
	ID             string         `json:"dialog_id"`
	UserExternalID string         `json:"user_external_id"`
	ChannelType    string         `json:"channel_type"`
	Active         bool           `json:"active"`
	StartedAt      time.Time      `json:"date_start"`
	FinishedAt     time.Time      `json:"date_finish,omitzero"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Utterances     []*Utterance   `json:"utterances"`
}

// New starts an active dialog for the given user and channel.
func New(userExternalID, channelType string) *Dialog {
	return &Dialog{
		ID:             shortuuid.New(),
		UserExternalID: userExternalID,
		ChannelType:    channelType,
		Active:         true,
		StartedAt:      time.Now().UTC(),
		Attributes:     map[string]any{},
	}
}

// Tail returns the last utterance, nil when the dialog is empty.
func (d *Dialog) Tail() *Utterance {
	if len(d.Utterances) == 0 {
		return nil
	}
	return d.Utterances[len(d.Utterances)-1]
}

// AppendHuman appends a human utterance and returns it.
func (d *Dialog) AppendHuman(text string, at time.Time, attrs map[string]any) *Utterance {
	u := &Utterance{
		UttID:       shortuuid.New(),
		Kind:        KindHuman,
		InDialogID:  len(d.Utterances),
		Text:        text,
		DateTime:    at,
		Annotations: map[string]any{},
		Attributes:  attrs,
	}
	if u.Attributes == nil {
		u.Attributes = map[string]any{}
	}
	d.Utterances = append(d.Utterances, u)
	return u
}

// AppendBot appends a bot utterance and returns it.
func (d *Dialog) AppendBot(origText, text, activeSkill string, confidence float64, at time.Time, annotations, attrs map[string]any) *Utterance {
	if annotations == nil {
		annotations = map[string]any{}
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	u := &Utterance{
		UttID:       shortuuid.New(),
		Kind:        KindBot,
		InDialogID:  len(d.Utterances),
		Text:        text,
		OrigText:    origText,
		ActiveSkill: activeSkill,
		Confidence:  confidence,
		DateTime:    at,
		Annotations: annotations,
		Attributes:  attrs,
	}
	d.Utterances = append(d.Utterances, u)
	return u
}

// Close marks the dialog inactive. Idempotent.
func (d *Dialog) Close(at time.Time) {
	if !d.Active {
		return
	}
	d.Active = false
	d.FinishedAt = at
}

// AsMap renders the dialog as the generic JSON shape handed to dialog
// formatters and, through them, to services.
func (d *Dialog) AsMap() map[string]any {
	raw, _ := json.Marshal(d)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

// Utterance is a single dialog turn. Human utterances collect hypotheses
// from skills; bot utterances record the promoted hypothesis.
type Utterance struct {
	UttID       string
	Kind        Kind
	InDialogID  int
	Text        string
	DateTime    time.Time
	Annotations map[string]any
	Attributes  map[string]any

	// Human only.
	Hypotheses []*Hypothesis

	// Bot only.
	OrigText    string
	ActiveSkill string
	Confidence  float64
}

// MarshalJSON emits the kind-specific wire shape: bot fields are absent on
// human utterances and vice versa.
func (u *Utterance) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"utt_id":       u.UttID,
		"kind":         u.Kind,
		"in_dialog_id": u.InDialogID,
		"text":         u.Text,
		"date_time":    u.DateTime,
		"annotations":  emptyIfNil(u.Annotations),
		"attributes":   emptyIfNil(u.Attributes),
	}
	switch u.Kind {
	case KindBot:
		m["orig_text"] = u.OrigText
		m["active_skill"] = u.ActiveSkill
		m["confidence"] = u.Confidence
	default:
		hyps := u.Hypotheses
		if hyps == nil {
			hyps = []*Hypothesis{}
		}
		m["hypotheses"] = hyps
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts both wire shapes, dispatching on "kind".
func (u *Utterance) UnmarshalJSON(data []byte) error {
	var raw struct {
		UttID       string         `json:"utt_id"`
		Kind        Kind           `json:"kind"`
		InDialogID  int            `json:"in_dialog_id"`
		Text        string         `json:"text"`
		DateTime    time.Time      `json:"date_time"`
		Annotations map[string]any `json:"annotations"`
		Attributes  map[string]any `json:"attributes"`
		Hypotheses  []*Hypothesis  `json:"hypotheses"`
		OrigText    string         `json:"orig_text"`
		ActiveSkill string         `json:"active_skill"`
		Confidence  float64        `json:"confidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.UttID = raw.UttID
	u.Kind = raw.Kind
	u.InDialogID = raw.InDialogID
	u.Text = raw.Text
	u.DateTime = raw.DateTime
	u.Annotations = emptyIfNil(raw.Annotations)
	u.Attributes = emptyIfNil(raw.Attributes)
	if u.Kind == KindBot {
		u.OrigText = raw.OrigText
		u.ActiveSkill = raw.ActiveSkill
		u.Confidence = raw.Confidence
	} else {
		u.Kind = KindHuman
		u.Hypotheses = raw.Hypotheses
	}
	return nil
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

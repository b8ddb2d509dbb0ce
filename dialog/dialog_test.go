package dialog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOrdering(t *testing.T) {
	d := New("user-1", "http_client")
	require.True(t, d.Active)
	require.NotEmpty(t, d.ID)

	now := time.Now().UTC()
	h := d.AppendHuman("hello", now, map[string]any{"device": "cli"})
	b := d.AppendBot("hi", "hi", "skill_x", 0.8, now, nil, nil)

	assert.Equal(t, 0, h.InDialogID)
	assert.Equal(t, 1, b.InDialogID)
	assert.Equal(t, KindHuman, h.Kind)
	assert.Equal(t, KindBot, b.Kind)
	assert.Same(t, b, d.Tail())
	assert.NotEqual(t, h.UttID, b.UttID)
}

func TestTailEmpty(t *testing.T) {
	d := New("user-1", "http_client")
	assert.Nil(t, d.Tail())
}

func TestCloseIdempotent(t *testing.T) {
	d := New("user-1", "http_client")
	d.Close(time.Unix(100, 0).UTC())
	first := d.FinishedAt
	d.Close(time.Unix(200, 0).UTC())
	assert.False(t, d.Active)
	assert.Equal(t, first, d.FinishedAt)
}

func TestUtteranceJSONShapes(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	d := New("user-1", "http_client")
	hu := d.AppendHuman("hello", now, nil)
	hu.Hypotheses = append(hu.Hypotheses, HypothesisFromPayload("skill_x", map[string]any{
		"text": "hi", "confidence": 0.8, "extra_field": "kept",
	}))
	d.AppendBot("hi", "hi", "skill_x", 0.8, now, map[string]any{"toxicity": 0.0}, nil)

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, d.ID, m["dialog_id"])

	utts := m["utterances"].([]any)
	require.Len(t, utts, 2)

	human := utts[0].(map[string]any)
	assert.Equal(t, "human", human["kind"])
	assert.NotContains(t, human, "active_skill")
	hyp := human["hypotheses"].([]any)[0].(map[string]any)
	assert.Equal(t, "skill_x", hyp["skill_name"])
	assert.Equal(t, "kept", hyp["extra_field"])

	bot := utts[1].(map[string]any)
	assert.Equal(t, "bot", bot["kind"])
	assert.Equal(t, "skill_x", bot["active_skill"])
	assert.NotContains(t, bot, "hypotheses")

	var back Dialog
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Len(t, back.Utterances, 2)
	assert.Equal(t, KindHuman, back.Utterances[0].Kind)
	assert.Equal(t, KindBot, back.Utterances[1].Kind)
	assert.Equal(t, 0.8, back.Utterances[1].Confidence)
	assert.Equal(t, "kept", back.Utterances[0].Hypotheses[0].Extra["extra_field"])
}

func TestHypothesisPayloadOverlay(t *testing.T) {
	h := HypothesisFromPayload("selector_label", map[string]any{
		"skill_name": "real_skill",
		"text":       "answer",
		"confidence": 1,
	})
	assert.Equal(t, "real_skill", h.SkillName)
	assert.Equal(t, 1.0, h.Confidence)
	assert.Empty(t, h.Annotations)
}

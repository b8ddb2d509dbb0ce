package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/dialog"
)

// ChannelType tags dialogs opened through the HTTP ingress.
const ChannelType = "http_client"

// HandleMessage is the ingress endpoint. It blocks until the pipeline turn
// produces a bot reply, the deadline fallback fires, or the client goes
// away. The payloads "/start" and "/close" close the user's active dialog
// instead of running a turn.
func (s *APIV1Service) HandleMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body should be a JSON object")
	}
	userID, _ := popString(body, "user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id key is required")
	}
	payload, _ := popString(body, "payload")

	if payload == "/start" || payload == "/close" {
		if _, err := s.Store.DropActiveDialog(ctx, userID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to close dialog").SetInternal(err)
		}
		return c.JSON(http.StatusOK, map[string]any{})
	}

	if !s.turnSemaphore.TryAcquire(1) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many concurrent dialogs")
	}
	defer s.turnSemaphore.Release(1)

	deviceType, ok := popString(body, "user_device_type")
	if !ok {
		deviceType = "http"
	}
	location, _ := popString(body, "location")

	now := time.Now().UTC()
	msg := agent.Message{
		Utterance:       payload,
		UserExternalID:  userID,
		UserDeviceType:  deviceType,
		ChannelType:     ChannelType,
		Location:        location,
		DateTime:        now,
		RequireResponse: true,
		Attrs:           body,
	}
	if s.responseTimeout > 0 {
		msg.Deadline = now.Add(s.responseTimeout)
	}

	d, err := s.agent.RegisterMessage(ctx, msg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process utterance").SetInternal(err)
	}
	if d == nil || d.Tail() == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "got no bot response")
	}
	if s.Profile.IsDev() {
		return c.JSON(http.StatusOK, debugOutput(d))
	}
	return c.JSON(http.StatusOK, apiOutput(d))
}

// apiOutput renders the flushed dialog as the public ingress response.
func apiOutput(d *dialog.Dialog) map[string]any {
	tail := d.Tail()
	return map[string]any{
		"dialog_id":  d.ID,
		"utt_id":     tail.UttID,
		"user_id":    d.UserExternalID,
		"response":   tail.Text,
		"attributes": tail.Attributes,
	}
}

// debugOutput additionally reports the winning skill and, when the request
// asked for it, the losing hypotheses and annotations of the human turn.
func debugOutput(d *dialog.Dialog) map[string]any {
	tail := d.Tail()
	out := apiOutput(d)
	out["active_skill"] = tail.ActiveSkill
	if n := len(d.Utterances); n >= 2 {
		human := d.Utterances[n-2]
		if wanted, _ := human.Attributes["debug_output"].(bool); wanted {
			out["debug_output"] = map[string]any{
				"hypotheses":  human.Hypotheses,
				"annotations": human.Annotations,
			}
		}
	}
	return out
}

// popString removes key from the attrs map and returns its string value.
func popString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	delete(m, key)
	s, ok := v.(string)
	return s, ok
}

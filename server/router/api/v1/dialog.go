package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dialogstack/conductor/store"
)

const defaultListLimit = 100

func (s *APIV1Service) GetDialog(c echo.Context) error {
	dialogID := c.Param("dialog_id")
	d, err := s.Store.GetDialog(c.Request().Context(), dialogID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load dialog").SetInternal(err)
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "dialog "+dialogID+" does not exist")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *APIV1Service) ListDialogs(c echo.Context) error {
	find, err := findFromQuery(c)
	if err != nil {
		return err
	}
	dialogs, err := s.Store.ListDialogs(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dialogs").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"dialogs": dialogs})
}

func (s *APIV1Service) ListUserDialogs(c echo.Context) error {
	find, err := findFromQuery(c)
	if err != nil {
		return err
	}
	userExternalID := c.Param("user_external_id")
	find.UserExternalID = &userExternalID
	dialogs, err := s.Store.ListDialogs(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dialogs").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"dialogs": dialogs})
}

func (s *APIV1Service) RateDialog(c echo.Context) error {
	var body struct {
		DialogID string   `json:"dialog_id"`
		Rating   *float64 `json:"rating"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed rating request").SetInternal(err)
	}
	if body.DialogID == "" || body.Rating == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "dialog_id and rating keys are required")
	}
	if err := s.Store.SetDialogRating(c.Request().Context(), body.DialogID, *body.Rating); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "failed to set dialog rating").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

func (s *APIV1Service) RateUtterance(c echo.Context) error {
	var body struct {
		UttID  string   `json:"utt_id"`
		Rating *float64 `json:"rating"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed rating request").SetInternal(err)
	}
	if body.UttID == "" || body.Rating == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "utt_id and rating keys are required")
	}
	if err := s.Store.SetUtteranceRating(c.Request().Context(), body.UttID, *body.Rating); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "failed to set utterance rating").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

func findFromQuery(c echo.Context) (*store.FindDialog, error) {
	find := &store.FindDialog{Limit: defaultListLimit}
	if v := c.QueryParam("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "offset should be a non-negative integer")
		}
		find.Offset = offset
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "limit should be a positive integer")
		}
		find.Limit = limit
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "active should be a boolean")
		}
		find.Active = &active
	}
	return find, nil
}

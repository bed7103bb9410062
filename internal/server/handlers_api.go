package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/gateway"
)

const maxBatchRequests = 100

// fetchQuery is the JSON shape of one fetch request on the API surface.
type fetchQuery struct {
	Collection  string `json:"collection"`
	FilterField string `json:"filter_field"`
	FilterValue string `json:"filter_value"`
	Since       string `json:"since,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	OrderBy     string `json:"order_by,omitempty"`
}

func (q fetchQuery) toFetchRequest() (gateway.FetchRequest, error) {
	req := gateway.FetchRequest{
		Collection:  q.Collection,
		FilterField: q.FilterField,
		FilterValue: q.FilterValue,
		Limit:       q.Limit,
		OrderBy:     q.OrderBy,
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return gateway.FetchRequest{}, fmt.Errorf("since must be RFC3339: %w", err)
		}
		req.Since = since
	}
	return req, nil
}

func (s *Server) handleFetchRecords(c echo.Context) error {
	query := fetchQuery{
		Collection:  c.Param("collection"),
		FilterField: c.QueryParam("field"),
		FilterValue: c.QueryParam("value"),
		Since:       c.QueryParam("since"),
		OrderBy:     c.QueryParam("order"),
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return vserrors.ValidationError("limit must be an integer")
		}
		query.Limit = limit
	}

	req, err := query.toFetchRequest()
	if err != nil {
		return vserrors.ValidationError(err.Error())
	}

	records, err := s.gateway.Fetch(c.Request().Context(), req, true)
	if err != nil {
		return err
	}

	return c.JSON(200, map[string]any{
		"collection": req.Collection,
		"count":      len(records),
		"records":    records,
	})
}

type batchFetchRequest struct {
	Requests []fetchQuery `json:"requests"`
}

type batchFetchEntry struct {
	Count     int               `json:"count"`
	Records   []json.RawMessage `json:"records,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorType string            `json:"error_type,omitempty"`
}

func (s *Server) handleBatchFetch(c echo.Context) error {
	var body batchFetchRequest
	if err := c.Bind(&body); err != nil {
		return vserrors.ValidationError("malformed request body")
	}
	if len(body.Requests) == 0 {
		return vserrors.ValidationError("requests must not be empty")
	}
	if len(body.Requests) > maxBatchRequests {
		return vserrors.ValidationError(fmt.Sprintf("batch size exceeds maximum of %d", maxBatchRequests))
	}

	reqs := make([]gateway.FetchRequest, 0, len(body.Requests))
	for _, q := range body.Requests {
		req, err := q.toFetchRequest()
		if err != nil {
			return vserrors.ValidationError(err.Error())
		}
		reqs = append(reqs, req)
	}

	results := s.gateway.FetchBatch(c.Request().Context(), reqs)

	response := make(map[string]batchFetchEntry, len(results))
	for key, result := range results {
		entry := batchFetchEntry{Count: len(result.Records), Records: result.Records}
		if result.Err != nil {
			structured := vserrors.AsStructuredError(result.Err)
			entry.Error = structured.Message
			entry.ErrorType = string(structured.Type)
		}
		response[key] = entry
	}

	return c.JSON(200, map[string]any{"results": response})
}

func (s *Server) handleGatewayHealth(c echo.Context) error {
	return c.JSON(200, s.gateway.Health())
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"registry": s.registry.Snapshot(),
		"connections": map[string]any{
			"current": s.limits.Current(),
			"max":     s.limits.Max(),
		},
		"gateway": s.gateway.Health().RequestStats,
	})
}

package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// FetchRequest describes one upstream query against an open-data collection.
// FilterField/FilterValue select the entity (for example bbl=1000010001),
// Since narrows the result to records issued after a point in time.
type FetchRequest struct {
	Collection  string
	FilterField string
	FilterValue string
	Since       time.Time
	Limit       int
	OrderBy     string
}

// Validate checks the request before it reaches the wire.
func (r FetchRequest) Validate() error {
	if r.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if r.FilterField == "" && r.FilterValue != "" {
		return fmt.Errorf("filter value set without filter field")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// Key identifies the entity the request targets, used as the map key for
// batch results and for prefix invalidation.
func (r FetchRequest) Key() string {
	return r.Collection + ":" + r.FilterValue
}

// CacheKey is a deterministic digest of every field that affects the
// response. Two requests with equal CacheKeys are interchangeable.
func (r FetchRequest) CacheKey() string {
	since := ""
	if !r.Since.IsZero() {
		since = r.Since.UTC().Format(time.RFC3339)
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		r.Collection, r.FilterField, r.FilterValue, since, r.Limit, r.OrderBy)

	digest := sha256.Sum256([]byte(canonical))
	return r.Collection + ":" + hex.EncodeToString(digest[:])
}

// queryParams encodes the request as Socrata-style query parameters.
func (r FetchRequest) queryParams() url.Values {
	params := url.Values{}
	if r.FilterField != "" {
		params.Set(r.FilterField, r.FilterValue)
	}
	if r.Limit > 0 {
		params.Set("$limit", strconv.Itoa(r.Limit))
	}
	if r.OrderBy != "" {
		params.Set("$order", r.OrderBy)
	}
	if !r.Since.IsZero() {
		params.Set("$where", fmt.Sprintf("issued_date >= '%s'", r.Since.UTC().Format("2006-01-02T15:04:05")))
	}
	return params
}

package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// FeedValuesRequest is the body of POST /feed-values and its round variant.
type FeedValuesRequest struct {
	Feeds []feeds.FeedId `json:"feeds"`
}

// FeedValue is one per-feed result; Value is null with a Reason when the
// feed could not be served.
type FeedValue struct {
	Feed   feeds.FeedId `json:"feed"`
	Value  *float64     `json:"value"`
	Reason string       `json:"reason,omitempty"`
}

// FeedValuesResponse answers POST /feed-values.
type FeedValuesResponse struct {
	Feeds []feeds.FeedId `json:"feeds"`
	Data  []FeedValue    `json:"data"`
}

// RoundValuesResponse answers POST /feed-values/:votingRoundId.
type RoundValuesResponse struct {
	VotingRoundID uint64      `json:"votingRoundId"`
	Data          []FeedValue `json:"data"`
}

// VolumeValue is one per-feed windowed volume.
type VolumeValue struct {
	Feed   feeds.FeedId `json:"feed"`
	Volume *float64     `json:"volume"`
	Reason string       `json:"reason,omitempty"`
}

// VolumesResponse answers POST /volumes.
type VolumesResponse struct {
	Feeds     []feeds.FeedId `json:"feeds"`
	WindowSec int            `json:"windowSec"`
	Data      []VolumeValue  `json:"data"`
}

// ErrorBody is the shared error envelope.
type ErrorBody struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	Timestamp     string         `json:"timestamp"`
	RequestID     string         `json:"requestId"`
	RateLimitInfo *RateLimitInfo `json:"rateLimitInfo,omitempty"`
	ClientInfo    *ClientInfo    `json:"clientInfo,omitempty"`
}

// RateLimitInfo augments 429 responses.
type RateLimitInfo struct {
	Limit             int    `json:"limit"`
	WindowMs          int64  `json:"windowMs"`
	TotalHits         int64  `json:"totalHits"`
	TotalHitsInWindow int    `json:"totalHitsInWindow"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
	ResetTime         string `json:"resetTime"`
}

// ClientInfo identifies the blocked caller on 429 responses.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	Method   string `json:"method"`
	URL      string `json:"url"`
}

const maxBodyBytes = 1 << 20

// decodeJSON enforces the JSON content type, rejects unknown fields, and
// bounds the body size.
func decodeJSON(r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "application/json" && ct != "application/json; charset=utf-8" {
		return errs.New(errs.KindInvalidInput, "decode_request", "Content-Type must be application/json")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.KindInvalidInput, "decode_request", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorBody(requestID, errName, message string) ErrorBody {
	return ErrorBody{
		Error:     errName,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

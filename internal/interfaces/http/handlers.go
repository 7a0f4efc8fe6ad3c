package http

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/failover"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// maxVotingRound bounds round ids at 2^53-1, the largest integer the JSON
// number type represents exactly.
const maxVotingRound = uint64(1)<<53 - 1

var numericRe = regexp.MustCompile(`^[0-9]+$`)

func (s *Server) handleFeedValues(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	var req FeedValuesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request", err.Error()))
		return
	}
	if badFeed, ok := validateFeeds(req.Feeds); !ok {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"invalid feed id: "+badFeed))
		return
	}

	resp := FeedValuesResponse{Feeds: req.Feeds, Data: make([]FeedValue, 0, len(req.Feeds))}
	for _, feed := range req.Feeds {
		value, err := s.provider.GetFeedValue(r.Context(), feed)
		if err != nil {
			resp.Data = append(resp.Data, FeedValue{Feed: feed, Reason: reasonFor(err)})
			continue
		}
		price := value.Price
		resp.Data = append(resp.Data, FeedValue{Feed: feed, Value: &price})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoundFeedValues(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	raw := mux.Vars(r)["votingRoundId"]
	if len(raw) > 0 && raw[0] == '-' {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"votingRoundId must be a non-negative integer"))
		return
	}
	if !numericRe.MatchString(raw) {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"votingRoundId must be numeric, expected an integer"))
		return
	}
	round, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || round > maxVotingRound {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"votingRoundId out of range"))
		return
	}

	var req FeedValuesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request", err.Error()))
		return
	}
	if badFeed, ok := validateFeeds(req.Feeds); !ok {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"invalid feed id: "+badFeed))
		return
	}

	resp := RoundValuesResponse{VotingRoundID: round, Data: make([]FeedValue, 0, len(req.Feeds))}
	misses := 0
	for _, feed := range req.Feeds {
		value, err := s.provider.GetRoundValue(feed, round)
		if err != nil {
			misses++
			resp.Data = append(resp.Data, FeedValue{Feed: feed, Reason: reasonFor(err)})
			continue
		}
		price := value.Price
		resp.Data = append(resp.Data, FeedValue{Feed: feed, Value: &price})
	}
	if len(req.Feeds) > 0 && misses == len(req.Feeds) {
		writeJSON(w, http.StatusNotFound, errorBody(requestID, "Not Found",
			"no data for voting round "+raw))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	windowSec := 3600
	if raw := r.URL.Query().Get("windowSec"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
				"windowSec must be a positive integer"))
			return
		}
		windowSec = n
	}

	var req FeedValuesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request", err.Error()))
		return
	}
	if badFeed, ok := validateFeeds(req.Feeds); !ok {
		writeJSON(w, http.StatusBadRequest, errorBody(requestID, "Bad Request",
			"invalid feed id: "+badFeed))
		return
	}

	resp := VolumesResponse{Feeds: req.Feeds, WindowSec: windowSec, Data: make([]VolumeValue, 0, len(req.Feeds))}
	for _, feed := range req.Feeds {
		total, _, err := s.provider.GetVolume(feed, time.Duration(windowSec)*time.Second)
		if err != nil {
			resp.Data = append(resp.Data, VolumeValue{Feed: feed, Reason: reasonFor(err)})
			continue
		}
		v := total
		resp.Data = append(resp.Data, VolumeValue{Feed: feed, Volume: &v})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	adapterHealth := s.provider.AdapterHealth()
	services := make(map[string]interface{}, len(adapterHealth)+2)
	allHealthy := true
	for _, h := range adapterHealth {
		services[h.Exchange] = h
		if !h.Healthy {
			allHealthy = false
		}
	}
	if s.sources != nil {
		services["sources"] = s.sources.Health()
	}
	if s.cacheStats != nil {
		services["cache"] = s.cacheStats()
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := false
	for _, h := range s.provider.AdapterHealth() {
		if h.Healthy {
			ready = true
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": s.monitor.Uptime().Seconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	values, err := s.metrics.GatherJSON()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorBody(requestIDFrom(r.Context()), "Internal Server Error", "metric gather failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metrics":   values,
	})
}

func (s *Server) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	values, err := s.metrics.GatherJSON()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorBody(requestIDFrom(r.Context()), "Internal Server Error", "metric gather failed"))
		return
	}
	requests := make(map[string]float64)
	responses := make(map[string]float64)
	errorsOut := make(map[string]float64)
	for name, v := range values {
		switch {
		case strings.HasPrefix(name, "feed_provider_requests_total"):
			requests[name] = v
		case strings.HasPrefix(name, "feed_provider_responses_total"):
			responses[name] = v
		case strings.HasPrefix(name, "feed_provider_errors_total"):
			errorsOut[name] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":  requests,
		"responses": responses,
		"errors":    errorsOut,
	})
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()
	uptime := s.monitor.Uptime().Seconds()
	throughput := 0.0
	if uptime > 0 {
		throughput = float64(snap.Count) / uptime
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"responseTime": map[string]interface{}{
			"meanMs": float64(snap.Mean) / float64(time.Millisecond),
			"p50Ms":  float64(snap.P50) / float64(time.Millisecond),
			"p95Ms":  float64(snap.P95) / float64(time.Millisecond),
			"p99Ms":  float64(snap.P99) / float64(time.Millisecond),
		},
		"throughput": throughput,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound,
		errorBody(requestIDFrom(r.Context()), "Not Found", "no such route: "+r.URL.Path))
}

// validateFeeds checks every requested feed id for canonical shape. Returns
// the first offending name on failure.
func validateFeeds(ids []feeds.FeedId) (string, bool) {
	for _, id := range ids {
		if _, _, err := feeds.SplitCanonical(id.Name); err != nil {
			return id.Name, false
		}
	}
	return "", true
}

// reasonFor maps pipeline errors to the per-feed reason string used in
// partial-failure responses.
func reasonFor(err error) string {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return "no data"
	case errs.KindInsufficientSources:
		return "insufficient sources"
	case errs.KindCancelled:
		return "cancelled"
	default:
		return "unavailable"
	}
}

// sourcesHealth adapts the failover coordinator into the health payload.
type sourcesHealth interface {
	Health() []failover.SourceHealth
}

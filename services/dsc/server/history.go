package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dscengine/services/dsc/archive"
)

// EventHistory serves archived events.
type EventHistory interface {
	List(ctx context.Context, filter archive.Filter) ([]archive.Record, error)
}

type historyEntry struct {
	archive.Record
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "event archive disabled", http.StatusNotImplemented)
		return
	}
	query := r.URL.Query()
	filter := archive.Filter{
		Type:    strings.TrimSpace(query.Get("type")),
		Account: strings.TrimSpace(query.Get("account")),
		Asset:   strings.TrimSpace(query.Get("asset")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, badField("limit", fmt.Errorf("must be a positive integer")))
			return
		}
		filter.Limit = limit
	}
	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyEntry, 0, len(records))
	for _, record := range records {
		attrs, err := record.Decoded()
		if err != nil {
			s.logger.Warn("history: undecodable record", "error", err)
			attrs = map[string]string{}
		}
		out = append(out, historyEntry{Record: record, Attributes: attrs})
	}
	writeJSON(w, http.StatusOK, out)
}

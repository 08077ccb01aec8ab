package awssim

import (
	"net/http"
	"sort"
	"strings"
)

// LogEvent is a CloudWatch Logs event held by the simulator.
type LogEvent struct {
	Stream    string
	Timestamp int64
	Message   string
}

func (s *Server) registerLogs(r *JSONRouter) {
	r.Register("Logs_20140328.FilterLogEvents", s.handleFilterLogEvents)
}

// AddLogEvents appends events to a log group.
func (s *Server) AddLogEvents(group string, events ...LogEvent) {
	existing, _ := s.logEvents.Get(group)
	s.logEvents.Put(group, append(existing, events...))
}

func (s *Server) handleFilterLogEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogGroupName       string `json:"logGroupName"`
		LogGroupIdentifier string `json:"logGroupIdentifier"`
		FilterPattern      string `json:"filterPattern"`
		StartTime          int64  `json:"startTime"`
		EndTime            int64  `json:"endTime"`
		Limit              int    `json:"limit"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "InvalidParameterException", "Invalid request body", http.StatusBadRequest)
		return
	}
	group := req.LogGroupName
	if group == "" {
		group = req.LogGroupIdentifier
	}
	events, ok := s.logEvents.Get(group)
	if !ok {
		AWSErrorf(w, "ResourceNotFoundException", http.StatusBadRequest, "The specified log group does not exist: %s", group)
		return
	}

	results := make([]map[string]any, 0, len(events))
	for _, e := range events {
		if req.StartTime > 0 && e.Timestamp < req.StartTime {
			continue
		}
		if req.EndTime > 0 && e.Timestamp > req.EndTime {
			continue
		}
		if req.FilterPattern != "" && !strings.Contains(e.Message, strings.Trim(req.FilterPattern, `"`)) {
			continue
		}
		results = append(results, map[string]any{
			"logStreamName": e.Stream,
			"timestamp":     e.Timestamp,
			"message":       e.Message,
			"ingestionTime": e.Timestamp,
			"eventId":       newRequestID(),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i]["timestamp"].(int64) < results[j]["timestamp"].(int64)
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": results})
}

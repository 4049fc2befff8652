package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/meter-sim/internal/audit"
	"github.com/nerrad567/meter-sim/internal/meter"
)

// Event channels broadcast over the WebSocket hub.
const (
	ChannelReading = "meter.reading"
	ChannelControl = "meter.control"
)

// meterView is the JSON shape of meter.Status.
type meterView struct {
	MeterID                     string           `json:"meter_id"`
	LastReading                 uint64           `json:"last_reading"`
	LastReadingBeforeDisconnect uint64           `json:"last_reading_before_disconnect"`
	SimulatedDisconnect         bool             `json:"simulated_disconnect"`
	FreezeCause                 string           `json:"freeze_cause"`
	Recovery                    string           `json:"recovery"`
	ReconnectAttempts           int              `json:"reconnect_attempts"`
	Outages                     int              `json:"outages"`
	Ticks                       uint64           `json:"ticks"`
	LastPublished               *publicationView `json:"last_published,omitempty"`
}

// controlEventView is the payload of a ChannelControl event.
type controlEventView struct {
	Command             string    `json:"command"`
	Source              string    `json:"source"`
	Subject             string    `json:"subject,omitempty"`
	SimulatedDisconnect bool      `json:"simulated_disconnect"`
	LastReading         uint64    `json:"last_reading"`
	At                  time.Time `json:"at"`
}

type publicationView struct {
	Value     uint64    `json:"value"`
	Frozen    bool      `json:"frozen"`
	Published bool      `json:"published"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func newPublicationView(p meter.Publication) publicationView {
	return publicationView{
		Value:     p.Value,
		Frozen:    p.Frozen,
		Published: p.Published,
		Error:     p.ErrorText(),
		At:        p.At,
	}
}

func newMeterView(st meter.Status) meterView {
	v := meterView{
		MeterID:                     st.MeterID,
		LastReading:                 st.State.LastReading,
		LastReadingBeforeDisconnect: st.State.LastReadingBeforeDisconnect,
		SimulatedDisconnect:         st.State.SimulatedDisconnect,
		FreezeCause:                 st.State.FreezeCause.String(),
		Recovery:                    st.Recovery.String(),
		ReconnectAttempts:           st.Attempts,
		Outages:                     st.Outages,
		Ticks:                       st.Ticks,
	}
	if st.Ticks > 0 {
		p := newPublicationView(st.LastPublished)
		v.LastPublished = &p
	}
	return v
}

// controlRequest is the body of POST /meter/control.
type controlRequest struct {
	Command string `json:"command"`
}

// handleGetMeter returns the tracker snapshot and recovery state.
func (s *Server) handleGetMeter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newMeterView(s.meter.Status()))
}

// handleControl applies Connect or Disconnect exactly as the control topic
// would.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string)
	cmd := meter.ParseCommand([]byte(req.Command))
	if !s.meter.Control(cmd, subject) {
		writeInvalidCommand(w)
		return
	}

	s.logger.Info("control command applied via API",
		"command", cmd.String(),
		"subject", subject,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusOK, newMeterView(s.meter.Status()))
}

// queryInt parses an optional integer query parameter no smaller than floor.
// On a bad value it writes the 400 itself and reports false.
func queryInt(w http.ResponseWriter, r *http.Request, name string, floor int, constraint string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < floor {
		writeBadRequest(w, name+" must be a "+constraint+" integer")
		return 0, false
	}
	return n, true
}

// handleListReadings returns recent journal entries, newest first.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeNotEnabled(w, "reading journal")
		return
	}

	limit, ok := queryInt(w, r, "limit", 1, "positive")
	if !ok {
		return
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing journal entries failed", "error", err)
		writeInternalError(w, "failed to list readings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"readings": entries,
		"count":    len(entries),
	})
}

// handleListAudit returns applied control commands, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotEnabled(w, "audit log")
		return
	}

	limit, ok := queryInt(w, r, "limit", 0, "non-negative")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0, "non-negative")
	if !ok {
		return
	}
	filter := audit.Filter{
		Action: r.URL.Query().Get("action"),
		Source: r.URL.Query().Get("source"),
		Limit:  limit,
		Offset: offset,
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit logs failed", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

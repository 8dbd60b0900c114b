package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"midea-bridge/internal/device"
)

// DeviceView is the API representation of one device session.
type DeviceView struct {
	ID         uint64         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	SN8        string         `json:"sn8,omitempty"`
	Model      string         `json:"model,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

func deviceView(s *device.Session) DeviceView {
	info := s.Info()
	return DeviceView{
		ID:         info.ID,
		Name:       info.Name,
		Type:       strconv.FormatUint(uint64(info.Type), 16),
		SN8:        info.SN8,
		Model:      info.Model,
		Attributes: s.Attributes(),
	}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.hub.List()
	views := make([]DeviceView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, deviceView(session))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, deviceView(session))
}

func (s *Server) handleAPISetAttributes(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	var attrs map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(attrs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no attributes given"})
		return
	}

	if err := session.SetAttributes(r.Context(), attrs); err != nil {
		s.logger.Error("set attributes", "err", err, "device", session.Info().ID)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := session.RefreshStatus(r.Context()); err != nil {
		s.logger.Error("refresh", "err", err, "device", session.Info().ID)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, deviceView(session))
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*device.Session, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return nil, false
	}
	session, ok := s.hub.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return nil, false
	}
	return session, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

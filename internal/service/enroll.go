package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/interpret"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

// ErrEnrollUnavailable is returned by Enroll when the secondary model does
// not produce face embeddings.
var ErrEnrollUnavailable = errors.New("service: enrollment needs the facenet secondary")

// Enroll saves the next face seen alone in a frame under name. A later
// request replaces a pending one.
func (s *Service) Enroll(name string) error {
	if s.plan.Faces == nil {
		return ErrEnrollUnavailable
	}
	if err := interpret.CheckRecordName(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.enroll = name
	s.mu.Unlock()
	slog.Info("service: enrollment pending", "name", name)
	return nil
}

// PendingEnrollment returns the name waiting for a single-face frame, or "".
func (s *Service) PendingEnrollment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enroll
}

// enrollFrom stores the embedding of r when an enrollment is pending and r
// holds exactly one face. Runs on the event loop, like the matcher.
func (s *Service) enrollFrom(r sequencer.Result) {
	name := s.PendingEnrollment()
	if name == "" || r.Empty() {
		return
	}
	if len(r.Entries) != 1 {
		slog.Debug("service: enrollment needs a single face", "name", name, "faces", len(r.Entries))
		return
	}
	e := r.Entries[0]
	match, ok := e.Output.(interpret.Match)
	if e.Err != nil || !ok || match.Raw == nil {
		return
	}

	if err := s.plan.Faces.Enroll(s.plan.FacesDir, name, match.Raw); err != nil {
		slog.Error("service: enrollment failed", "name", name, "error", err)
	} else {
		slog.Info("service: face enrolled", "name", name, "seq", r.Seq, "trace_id", r.TraceID)
	}

	s.mu.Lock()
	if s.enroll == name {
		s.enroll = ""
	}
	s.mu.Unlock()
}

// EnrollHandler handles POST /enroll?name=<name>
func (s *Service) EnrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("name")
	err := s.Enroll(name)
	switch {
	case errors.Is(err, ErrEnrollUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"pending": name})
}

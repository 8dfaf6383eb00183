package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"signet/internal/memerr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps engine error codes onto HTTP statuses. Messages pass
// through as-is; they are written for users and carry no internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := memerr.CodeOf(err)

	var status int
	switch code {
	case memerr.CodeInvalidPayload:
		status = http.StatusBadRequest
	case memerr.CodeNotFound:
		status = http.StatusNotFound
	case memerr.CodeConflict, memerr.CodeVersionConflict:
		status = http.StatusConflict
	case memerr.CodeDeleted, memerr.CodePinnedRequiresForce:
		status = http.StatusPreconditionFailed
	case memerr.CodeForbidden, memerr.CodeFrozen:
		status = http.StatusForbidden
	case memerr.CodeDisabled:
		status = http.StatusServiceUnavailable
	case memerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	var me *memerr.Error
	if errors.As(err, &me) {
		msg = me.Message
	} else if status == http.StatusInternalServerError {
		s.logger.Error("internal error", zap.Error(err))
		msg = "internal error"
	}

	s.writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: msg}})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, memerr.Wrap(memerr.CodeInvalidPayload, err, "request body is not valid JSON"))
		return false
	}
	return true
}

// gateWrites rejects mutations while the pipeline is off or frozen.
// Returns false after writing the error response.
func (s *Server) gateWrites(w http.ResponseWriter) bool {
	p := s.cfg().Pipeline
	if !p.Enabled {
		s.writeError(w, memerr.New(memerr.CodeDisabled, "memory pipeline is disabled"))
		return false
	}
	if p.MutationsFrozen {
		s.writeError(w, memerr.New(memerr.CodeFrozen, "mutations are frozen"))
		return false
	}
	return true
}

// gateUpdateDelete additionally enforces the allow_update_delete flag.
func (s *Server) gateUpdateDelete(w http.ResponseWriter) bool {
	if !s.gateWrites(w) {
		return false
	}
	if !s.cfg().Pipeline.AllowUpdateDelete {
		s.writeError(w, memerr.New(memerr.CodeForbidden, "update and delete are disabled by configuration"))
		return false
	}
	return true
}

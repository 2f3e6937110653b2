package streamd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"salaryflow/core/allowance"
	flowerrors "salaryflow/core/errors"
	"salaryflow/core/streams"
	"salaryflow/core/tx"
	"salaryflow/ledger"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error   string      `json:"error"`
	Kind    string      `json:"kind,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	Pending *tx.Pending `json:"pending,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

// decodeOptionalJSON accepts an empty body, leaving dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid json payload: %v", err)
	}
	return nil
}

func isInvalidInput(err error) bool {
	return errors.Is(err, errBadRequest) ||
		errors.Is(err, tx.ErrInvalidAmount) ||
		errors.Is(err, tx.ErrInvalidRate) ||
		errors.Is(err, tx.ErrInvalidAddress) ||
		errors.Is(err, tx.ErrInvalidStreamID)
}

// statusForKind maps an error category onto an HTTP status.
func statusForKind(kind flowerrors.Kind) int {
	switch kind {
	case flowerrors.KindUserRejected:
		return http.StatusConflict
	case flowerrors.KindContractRevert:
		return http.StatusUnprocessableEntity
	case flowerrors.KindNetworkOrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// failure resolves err into a status and response body. Orchestration and
// validation errors take precedence; anything else is classified.
func (s *Server) failure(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, tx.ErrInFlight), errors.Is(err, tx.ErrResetInFlight):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case isInvalidInput(err):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, streams.ErrNotSender):
		return http.StatusForbidden, errorResponse{Error: err.Error()}
	case errors.Is(err, ledger.ErrStreamNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.Is(err, allowance.ErrStillInsufficient):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error()}
	}
	classified := s.classifier.Classify(err)
	return statusForKind(classified.Kind), errorResponse{
		Error:  classified.Message,
		Kind:   classified.Kind.String(),
		Reason: classified.Reason,
		Detail: classified.Detail,
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.failure(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// writePending reports the outcome of a submission. A wait that timed out
// while the transaction is still unconfirmed answers 202 with the snapshot.
func (s *Server) writePending(w http.ResponseWriter, r *http.Request, pending tx.Pending, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pending)
		return
	case errors.Is(err, context.DeadlineExceeded) && pending.State != tx.StateIdle && !pending.State.Terminal():
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	status, body := s.failure(err)
	if pending.State != tx.StateIdle {
		snapshot := pending
		body.Pending = &snapshot
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("action failed", "path", r.URL.Path, "kind", string(pending.Kind), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

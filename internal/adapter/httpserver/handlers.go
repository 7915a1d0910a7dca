// Package httpserver exposes the gateway API: submit, status, health.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
	"github.com/fairyhunter13/txn-gateway/internal/usecase"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server carries the handler dependencies.
type Server struct {
	submit   *usecase.SubmitService
	status   *usecase.StatusService
	health   *usecase.HealthService
	validate *validator.Validate
}

// NewServer wires the HTTP handlers.
func NewServer(submit *usecase.SubmitService, status *usecase.StatusService, health *usecase.HealthService) *Server {
	return &Server{
		submit:   submit,
		status:   status,
		health:   health,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// submitResponse flattens the state record and carries an optional
// human-readable disposition message.
type submitResponse struct {
	domain.TransactionState
	Message string `json:"message,omitempty"`
}

// SubmitHandler handles POST /api/transactions. A fresh submission is
// acknowledged with 202 before any downstream work happens; duplicates
// answer 200 with the existing record.
func (s *Server) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var tx domain.Transaction
	if err := dec.Decode(&tx); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if details := s.validateTx(tx); len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Details: details})
		return
	}

	out, err := s.submit.Submit(r.Context(), tx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// In-flight duplicates stay 202: the work is still pending, only
	// the message tells the caller it was not re-enqueued. Terminal
	// replays answer 200 with the finished record.
	status := http.StatusAccepted
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{TransactionState: out.State, Message: out.Message})
}

// StatusHandler handles GET /api/transactions/{id}.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.status.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HealthHandler handles GET /api/health. An unhealthy dependency set
// answers 503 so load balancers stop routing submissions here.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) validateTx(tx domain.Transaction) []validationError {
	var details []validationError
	if err := s.validate.Struct(tx); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, validationError{
					Path:    jsonField(fe.Field()),
					Message: validationMessage(fe),
				})
			}
		} else {
			details = append(details, validationError{Path: "", Message: "invalid payload"})
		}
	}
	return details
}

func jsonField(name string) string {
	switch name {
	case "ID":
		return "id"
	case "Amount":
		return "amount"
	case "Currency":
		return "currency"
	case "Description":
		return "description"
	case "Timestamp":
		return "timestamp"
	case "Metadata":
		return "metadata"
	}
	return name
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return jsonField(fe.Field()) + " is required"
	case "gt":
		return jsonField(fe.Field()) + " must be greater than " + fe.Param()
	case "len":
		return jsonField(fe.Field()) + " must be exactly " + fe.Param() + " characters"
	}
	return jsonField(fe.Field()) + " is invalid"
}

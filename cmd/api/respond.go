package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"offerflow/accesscode"
	"offerflow/agency"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/listing"
	"offerflow/negotiation"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed request bodies and query strings.
var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

type errorMapping struct {
	target error
	status int
}

// errorStatuses is checked in order; the first match wins.
var errorStatuses = []errorMapping{
	{errBadRequest, http.StatusBadRequest},
	{listing.ErrInvalidInput, http.StatusBadRequest},
	{listing.ErrInvalidStatusChange, http.StatusBadRequest},
	{negotiation.ErrInvalidTransition, http.StatusBadRequest},
	{negotiation.ErrInvalidAmount, http.StatusBadRequest},
	{negotiation.ErrInvalidOffer, http.StatusBadRequest},
	{accesscode.ErrInvalidInput, http.StatusBadRequest},
	{auth.ErrInvalidInput, http.StatusBadRequest},
	{auth.ErrWeakPassword, http.StatusBadRequest},
	{agency.ErrInvalidQuota, http.StatusBadRequest},

	{authz.ErrUnauthenticated, http.StatusUnauthorized},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized},

	{authz.ErrForbidden, http.StatusForbidden},
	{listing.ErrQuotaExceeded, http.StatusForbidden},
	{auth.ErrNotRealEstateAdmin, http.StatusForbidden},
	{auth.ErrProtectedAccount, http.StatusForbidden},

	{listing.ErrNotFound, http.StatusNotFound},
	{listing.ErrOfferNotFound, http.StatusNotFound},
	{listing.ErrOwnerNotFound, http.StatusNotFound},
	{accesscode.ErrNotFound, http.StatusNotFound},
	{agency.ErrNotFound, http.StatusNotFound},
	{auth.ErrUserNotFound, http.StatusNotFound},

	{auth.ErrDuplicateEmail, http.StatusConflict},
	{accesscode.ErrGenerationExhausted, http.StatusConflict},
	{accesscode.ErrActiveCodeExists, http.StatusConflict},
	{negotiation.ErrListingSold, http.StatusConflict},
	{negotiation.ErrListingWithdrawn, http.StatusConflict},
}

func statusFor(err error) int {
	for _, m := range errorStatuses {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		writeJSON(w, status, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into dst and runs struct validation on it.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("%w: invalid JSON body", errBadRequest)
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, describeValidation(err))
	}
	return nil
}

var validationMessages = map[string]func(field, param string) string{
	"required": func(field, _ string) string { return field + " is required" },
	"email":    func(field, _ string) string { return field + " must be a valid email" },
	"oneof":    func(field, param string) string { return field + " must be one of [" + param + "]" },
	"min":      func(field, param string) string { return field + " must be at least " + param },
	"gte":      func(field, param string) string { return field + " must be at least " + param },
	"max":      func(field, param string) string { return field + " must be at most " + param },
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if format, ok := validationMessages[fe.Tag()]; ok {
			parts = append(parts, format(fe.Field(), fe.Param()))
			continue
		}
		parts = append(parts, fe.Field()+" is invalid")
	}
	return strings.Join(parts, "; ")
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// pathID returns a UUID path segment. Anything that cannot be an id names no resource.
func pathID(r *http.Request, name string, notFound error) (string, error) {
	return parseID(r.PathValue(name), notFound)
}

func parseID(raw string, notFound error) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", notFound
	}
	return id.String(), nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

// flexAmount accepts either a JSON number or a string such as "£310,000".
type flexAmount string

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = flexAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = flexAmount(n.String())
	return nil
}

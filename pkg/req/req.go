package req

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/Dhoini/fleet-billing/pkg/logger"
	"github.com/Dhoini/fleet-billing/pkg/res"
)

var validate = validator.New()

// Decode decodes JSON from body into a value of type T.
func Decode[T any](body io.Reader) (T, error) {
	var payload T
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// IsValid validates payload using its `validate` struct tags.
func IsValid[T any](payload T) error {
	return validate.Struct(payload)
}

// HandleBody decodes and validates the request body, writing a 400 reply on failure.
func HandleBody[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger) (*T, error) {
	body, err := Decode[T](r.Body)
	if err != nil {
		log.Warnw("Failed to decode request body", "error", err)
		res.JsonErrorResponse(w, "MISSING_FIELDS", "request body is not valid JSON", http.StatusBadRequest)
		return nil, err
	}

	if err := IsValid(body); err != nil {
		log.Warnw("Request body failed validation", "error", err)
		res.JsonErrorResponse(w, "MISSING_FIELDS", "required fields are missing or invalid", http.StatusBadRequest)
		return nil, err
	}
	return &body, nil
}

package validation

import (
	"net/http"
	"strconv"

	"github.com/nkkko/packlock/internal/api/errors"
)

// maxFormSize bounds the body of a mutating gateway call
const maxFormSize = 64 << 10

// ParseForm reads the query string and, for POST, the urlencoded body
func ParseForm(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	}
	if err := r.ParseForm(); err != nil {
		return errors.ValidationError("invalid_form", "Invalid form body: "+err.Error())
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen bytes
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// OneOf validates that value is one of allowed
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.ValidationError(
		"invalid_value",
		field+" must be one of "+joinQuoted(allowed),
	)
}

func joinQuoted(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += strconv.Quote(v)
	}
	return out
}

// First returns the first non-nil error
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/hypercolumn"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an error to an HTTP status and error type. Configuration
// problems are the caller's fault (400); tensors that do not fit the
// configuration, or outputs over the size limit, are 422.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tensor.ErrTooLarge):
		return http.StatusUnprocessableEntity, "shape_error"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pipeline.ErrConfig),
		errors.Is(err, discrete.ErrConfig),
		errors.Is(err, hypercolumn.ErrConfig),
		errors.Is(err, hypercolumn.ErrNoSources):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, discrete.ErrNotImplemented):
		return http.StatusBadRequest, "not_implemented_error"
	case errors.Is(err, tensor.ErrShapeMismatch),
		errors.Is(err, tensor.ErrDataSizeMismatch),
		errors.Is(err, tensor.ErrRank),
		errors.Is(err, tensor.ErrNegativeDim):
		return http.StatusUnprocessableEntity, "shape_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

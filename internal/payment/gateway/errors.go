package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-ordering/internal/apperror"
)

// transportError classifies a failed call that never produced a response.
func transportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindGatewayTimeout, err, "payment gateway timed out during %s", op)
	}
	return apperror.Wrap(apperror.KindGatewayUnavailable, err, "payment gateway unreachable during %s", op)
}

// statusError classifies a non-2xx response.
func statusError(op string, status int, description string) error {
	if description == "" {
		description = http.StatusText(status)
	}
	cause := fmt.Errorf("%s: HTTP %d: %s", op, status, description)
	switch {
	case status == http.StatusNotFound:
		return apperror.Wrap(apperror.KindNotFound, cause, "gateway: %s", description)
	case status == http.StatusBadRequest:
		return apperror.Wrap(apperror.KindValidation, cause, "gateway rejected %s: %s", op, description)
	case status == http.StatusGatewayTimeout:
		return apperror.Wrap(apperror.KindGatewayTimeout, cause, "payment gateway timed out during %s", op)
	default:
		return apperror.Wrap(apperror.KindGatewayUnavailable, cause, "payment gateway failed during %s", op)
	}
}

package tinkoff

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"invest-grid/internal/core"
)

var (
	ErrUnauthorized  = errors.New("broker rejected credentials")
	ErrRateLimited   = errors.New("broker rate limit")
	ErrOrderRejected = errors.New("order rejected by broker")
	ErrNoPrice       = errors.New("no price available")
)

// APIError is the error payload of a non-Ok response.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	TrackingID string
}

func (e APIError) Error() string {
	msg := fmt.Sprintf("tinkoff api error status=%d", e.HTTPStatus)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

var codeKinds = map[string]error{
	"ORDER_ERROR":          ErrOrderRejected,
	"NOT_ENOUGH_BALANCE":   ErrOrderRejected,
	"ORDER_NOT_FOUND":      core.ErrOrderNotFound,
	"INSTRUMENT_NOT_FOUND": core.ErrInvalidOrder,
	"VALIDATION_ERROR":     core.ErrInvalidOrder,
}

// classify joins the APIError with the sentinel errors it maps to, so callers
// can use errors.Is on both.
func classify(apiErr APIError) error {
	kinds := make([]error, 0, 2)
	add := func(kind error) {
		for _, k := range kinds {
			if k == kind {
				return
			}
		}
		kinds = append(kinds, kind)
	}
	switch apiErr.HTTPStatus {
	case http.StatusUnauthorized, http.StatusForbidden:
		add(ErrUnauthorized)
	case http.StatusTooManyRequests:
		add(ErrRateLimited)
	}
	if kind, ok := codeKinds[strings.ToUpper(strings.TrimSpace(apiErr.Code))]; ok {
		add(kind)
	}
	if strings.Contains(strings.ToLower(apiErr.Message), "order not found") {
		add(core.ErrOrderNotFound)
	}
	if len(kinds) == 0 {
		return apiErr
	}
	return errors.Join(append([]error{apiErr}, kinds...)...)
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

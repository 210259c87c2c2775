package errutil

import "net/http"

// CoreStatus is a transport-agnostic error code carried by BaseError.
type CoreStatus string

const (
	StatusBadRequest             CoreStatus = "BAD_REQUEST"
	StatusValidationFailed       CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized           CoreStatus = "UNAUTHORIZED"
	StatusForbidden              CoreStatus = "FORBIDDEN"
	StatusNotFound               CoreStatus = "NOT_FOUND"
	StatusConflict               CoreStatus = "CONFLICT"
	StatusUnprocessableEntity    CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusTooManyRequests        CoreStatus = "TOO_MANY_REQUESTS"
	StatusTimeout                CoreStatus = "TIMEOUT"
	StatusInternal               CoreStatus = "INTERNAL"
	StatusBadGateway             CoreStatus = "BAD_GATEWAY"
	StatusNotImplemented         CoreStatus = "NOT_IMPLEMENTED"
	StatusClientClosedRequest    CoreStatus = "CLIENT_CLOSED_REQUEST"
	StatusUnknown                CoreStatus = "UNKNOWN"

	// Reward-domain statuses.
	StatusInsufficientBalance     CoreStatus = "INSUFFICIENT_BALANCE"
	StatusInvalidStateTransition  CoreStatus = "INVALID_STATE_TRANSITION"
	StatusInvalidDestination      CoreStatus = "INVALID_DESTINATION"
	StatusExternalBridgeFailure   CoreStatus = "EXTERNAL_BRIDGE_FAILURE"
)

// HTTPStatus maps the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusInvalidDestination:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusInvalidStateTransition:
		return http.StatusConflict
	case StatusUnprocessableEntity, StatusInsufficientBalance:
		return http.StatusUnprocessableEntity
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusBadGateway, StatusExternalBridgeFailure:
		return http.StatusBadGateway
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusClientClosedRequest:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

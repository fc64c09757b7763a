package offlinesync

import (
	"errors"
	"net/http"

	"github.com/always-cache/offline-sync/cache"
	"github.com/always-cache/offline-sync/network"
	"github.com/always-cache/offline-sync/queue"
)

var (
	// ErrInstallFailure is returned when the static manifest could not be stored.
	// Nothing of the manifest is kept, the previous generation stays in charge.
	ErrInstallFailure = errors.New("install failed")
	// ErrNotInstalled is returned when activating a generation that was never installed.
	ErrNotInstalled = errors.New("not installed")
	// ErrMalformedPushPayload marks a push payload that is not a JSON notification.
	// The payload is shown as a plain-text notification instead.
	ErrMalformedPushPayload = errors.New("malformed push payload")
	// ErrUnknownMessage is returned for inbound messages of an unknown type.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnknownTrigger is returned when dispatching an event without handler.
	ErrUnknownTrigger = errors.New("unknown trigger")
	// ErrBadRequest wraps malformed trigger input.
	ErrBadRequest = errors.New("bad request")
)

// HTTPStatus maps a trigger error to the HTTP status reported for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, network.ErrUnavailable):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInstallFailure), errors.Is(err, ErrNotInstalled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnknownMessage),
		errors.Is(err, ErrUnknownTrigger),
		errors.Is(err, queue.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrUnreadable):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

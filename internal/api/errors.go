package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"github.com/fcsandbox/fcsandbox/internal/overlay"
	"github.com/fcsandbox/fcsandbox/internal/sandbox"
	"github.com/fcsandbox/fcsandbox/internal/vmm"
)

// statusFor maps core error kinds onto HTTP statuses:
// 400 invalid request or guest-agent error (GuestError) / 404 unknown id /
// 409 wrong state / 503 at capacity / 504 timeout / 500 everything else.
func statusFor(err error) int {
	var guestErr *sandbox.GuestError
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrAtCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, guestrpc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &guestErr):
		return http.StatusBadRequest
	case errors.Is(err, guestrpc.ErrTransport),
		errors.Is(err, guestrpc.ErrProtocol),
		errors.Is(err, guestrpc.ErrMessageTooLarge),
		errors.Is(err, vmm.ErrSpawn),
		errors.Is(err, vmm.ErrProtocol),
		errors.Is(err, vmm.ErrUnresponsive),
		errors.Is(err, artifacts.ErrArtifactMissing),
		errors.Is(err, overlay.ErrDiskFull):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}

package allocation

import (
	"errors"

	"github.com/example/parkhold/internal/parking/domain"
)

func errorLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrDuplicateActiveReservation):
		return "duplicate"
	case errors.Is(err, domain.ErrSpotUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrConcurrentAllocation):
		return "concurrent"
	case errors.Is(err, domain.ErrNoSpotsAvailable):
		return "no_spots"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}

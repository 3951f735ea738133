package delivery

import (
	"errors"
	"fmt"

	"github.com/oriys/relay/internal/transport"
)

var errCircuitOpen = errors.New("delivery: circuit breaker open")
var errRateLimited = errors.New("delivery: transport rate limit exhausted")

func errSendFailed(outcome transport.Outcome) error {
	return fmt.Errorf("delivery: send returned %s", outcome)
}

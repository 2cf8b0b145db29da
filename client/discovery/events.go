package discovery

import (
	"time"

	"github.com/adwski/mirror-bridge/client/model"
)

// Event is consumed by the locator's dispatcher loop.
type Event interface {
	instance() string
}

type (
	// ServiceFound is posted for every browse entry. Fingerprint summarizes the
	// host, port and addresses the entry carried, empty when it carried none.
	ServiceFound struct {
		Instance    string
		Fingerprint string
		TTL         time.Duration
	}

	// ServiceRemoved is posted when a service sends a goodbye (TTL 0) record.
	ServiceRemoved struct {
		Instance string
	}

	ServiceResolved struct {
		Instance string
		Endpoint model.Endpoint
	}

	ResolutionFailed struct {
		Instance string
		Attempts int
		Err      error
	}
)

func (e ServiceFound) instance() string     { return e.Instance }
func (e ServiceRemoved) instance() string   { return e.Instance }
func (e ServiceResolved) instance() string  { return e.Instance }
func (e ResolutionFailed) instance() string { return e.Instance }

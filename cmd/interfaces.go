package cmd

import (
	"github.com/anicoll/homedash/internal/pkg/hass"
)

// HubService defines what cmd.run expects from the upstream connection.
type HubService interface {
	OnStateChange(h hass.StateChangeHandler) *hass.Subscription
	// Status feeds the health endpoint.
	Status() hass.Status
	Close() error
}

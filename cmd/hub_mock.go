package cmd

import (
	"github.com/anicoll/homedash/internal/pkg/hass"
)

// MockHubService is a mock implementation of the HubService interface.
type MockHubService struct {
	OnStateChangeFunc func(h hass.StateChangeHandler) *hass.Subscription
	StatusFunc        func() hass.Status
	CloseFunc         func() error
}

func (m *MockHubService) OnStateChange(h hass.StateChangeHandler) *hass.Subscription {
	if m.OnStateChangeFunc != nil {
		return m.OnStateChangeFunc(h)
	}
	return hass.NewSubscription(func() {})
}

func (m *MockHubService) Status() hass.Status {
	if m.StatusFunc != nil {
		return m.StatusFunc()
	}
	return hass.Status{State: hass.Disconnected}
}

func (m *MockHubService) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

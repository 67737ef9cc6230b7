package monitoring

import (
	"context"
	"time"

	"meetline/internal/core/ports"
)

// AddPingCheck adds a check backed by a ping function, such as a Redis client's.
func (h *HealthChecker) AddPingCheck(name string, ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds a meeting registry health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.MeetingRepository, interval, timeout time.Duration) {
	h.AddCheck("meetings", func(ctx context.Context) (bool, error) {
		if _, err := repo.Count(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}

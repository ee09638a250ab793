package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthMonitor(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	hm := NewHealthMonitor("test", time.Second, logger)

	status := hm.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.OverallStatus)
	assert.Empty(t, status.CheckResults)

	hm.Register(NewPingCheck("cache", false, pinger{err: errors.New("connection refused")}))
	status = hm.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.OverallStatus)
	assert.Equal(t, "connection refused", status.CheckResults["cache"].Message)

	hm.Register(NewBasicHealthCheck("generator", true, func(context.Context) error { panic("boom") }))
	status = hm.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.OverallStatus)
	assert.Equal(t, []string{"generator"}, status.CriticalIssues)
	assert.Contains(t, status.CheckResults["generator"].Message, "boom")

	hm.Register(NewPingCheck("cache", false, pinger{}))
	hm.Register(NewBasicHealthCheck("generator", true, func(context.Context) error { return nil }))
	assert.Equal(t, StatusHealthy, hm.Check(context.Background()).OverallStatus)
}

func TestCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor("test", 10*time.Millisecond, nil)
	hm.Register(NewBasicHealthCheck("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	status := hm.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.OverallStatus)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.CheckResults["slow"].Message)
}

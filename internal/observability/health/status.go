package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck defines a health check function
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
	Critical() bool
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SystemStatus represents overall system health
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues,omitempty"`
	Uptime         string                  `json:"uptime"`
	StartTime      time.Time               `json:"start_time"`
	Version        string                  `json:"version"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	logger    *logrus.Logger
	timeout   time.Duration
	version   string
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(version string, timeout time.Duration, logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		logger:    logger,
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
}

// Register adds a check. A check with the same name is replaced.
func (hm *HealthMonitor) Register(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[check.Name()] = check
}

// Check runs every check concurrently. A failing critical check makes the
// system unhealthy, any other failure only degrades it.
func (hm *HealthMonitor) Check(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			results[i] = hm.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	status := &SystemStatus{
		OverallStatus: StatusHealthy,
		CheckResults:  make(map[string]HealthResult, len(checks)),
		Uptime:        time.Since(hm.startTime).Round(time.Second).String(),
		StartTime:     hm.startTime,
		Version:       hm.version,
	}
	for i, c := range checks {
		r := results[i]
		status.CheckResults[c.Name()] = r
		if r.Status == StatusHealthy {
			continue
		}
		if c.Critical() {
			status.OverallStatus = StatusUnhealthy
			status.CriticalIssues = append(status.CriticalIssues, c.Name())
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}
	sort.Strings(status.CriticalIssues)
	return status
}

func (hm *HealthMonitor) run(ctx context.Context, c HealthCheck) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	r := HealthResult{Status: StatusHealthy, Duration: time.Since(start), Timestamp: start}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Message = err.Error()
		hm.logger.WithFields(logrus.Fields{
			"check":    c.Name(),
			"critical": c.Critical(),
		}).WithError(err).Warn("Health check failed")
	}
	return r
}

// BasicHealthCheck implements a basic health check
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
}

// NewBasicHealthCheck creates a new basic health check
func NewBasicHealthCheck(name string, critical bool, checkFunc func(ctx context.Context) error) *BasicHealthCheck {
	return &BasicHealthCheck{name: name, checkFunc: checkFunc, critical: critical}
}

func (bhc *BasicHealthCheck) Name() string { return bhc.name }

func (bhc *BasicHealthCheck) Critical() bool { return bhc.critical }

// Check recovers from panics in the check function.
func (bhc *BasicHealthCheck) Check(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return bhc.checkFunc(ctx)
}

// Pinger is anything with a connectivity probe, such as a storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck wraps a Pinger.
func NewPingCheck(name string, critical bool, p Pinger) *BasicHealthCheck {
	return NewBasicHealthCheck(name, critical, p.Ping)
}

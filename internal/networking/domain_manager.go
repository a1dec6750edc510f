package networking

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/utils"
)

const (
	// DefaultMaxStandbyDuration caps the standby applied after repeated 429s.
	DefaultMaxStandbyDuration = 30 * time.Second
)

// domainState stores the state of a specific domain.
type domainState struct {
	limiter                *rate.Limiter
	consecutiveFailures    int
	StandbyUntil           time.Time     // If domain is in forced standby (e.g., after 429)
	CurrentStandbyDuration time.Duration // Duration for the *next* standby period
}

// DomainManager paces requests per host. Every host gets a token bucket limiter
// and is put in standby after a 429, with the standby growing on repeated 429s.
type DomainManager struct {
	rps            float64
	initialStandby time.Duration
	logger         utils.Logger
	domainStatus   map[string]*domainState
	mu             sync.Mutex
}

// NewDomainManager creates a new instance of DomainManager.
func NewDomainManager(cfg *config.Config, logger utils.Logger) *DomainManager {
	return &DomainManager{
		rps:            cfg.RequestsPerSecond,
		initialStandby: cfg.StandbyOn429,
		logger:         logger,
		domainStatus:   make(map[string]*domainState),
	}
}

// getOrCreateDomainState retrieves or creates the state for a domain.
// Should be called with the lock already acquired.
func (dm *DomainManager) getOrCreateDomainState(domain string) *domainState {
	ds, exists := dm.domainStatus[domain]
	if !exists {
		limit := rate.Inf
		if dm.rps > 0 {
			limit = rate.Limit(dm.rps)
		}
		ds = &domainState{
			limiter:                rate.NewLimiter(limit, 1),
			CurrentStandbyDuration: dm.initialStandby,
		}
		dm.domainStatus[domain] = ds
		dm.logger.Debugf("[DomainManager] Initialized state for domain '%s' (rate: %.2f req/s)", domain, dm.rps)
	}
	return ds
}

// Wait blocks until a request to the domain is allowed or ctx is done.
func (dm *DomainManager) Wait(ctx context.Context, domain string) error {
	dm.mu.Lock()
	ds := dm.getOrCreateDomainState(domain)
	standbyUntil := ds.StandbyUntil
	limiter := ds.limiter
	dm.mu.Unlock()

	if wait := time.Until(standbyUntil); wait > 0 {
		dm.logger.Debugf("[DomainManager] Domain '%s' is in STANDBY. Wait: %s", domain, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return limiter.Wait(ctx)
}

// IsStandby reports whether the domain is currently in standby and until when.
func (dm *DomainManager) IsStandby(domain string) (bool, time.Time) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds, exists := dm.domainStatus[domain]
	if !exists || ds.StandbyUntil.IsZero() || time.Now().After(ds.StandbyUntil) {
		return false, time.Time{}
	}
	return true, ds.StandbyUntil
}

// RecordRequestResult analyzes the result of a request.
func (dm *DomainManager) RecordRequestResult(domain string, statusCode int, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds := dm.getOrCreateDomainState(domain)

	if statusCode == http.StatusTooManyRequests {
		ds.consecutiveFailures = 0
		if ds.CurrentStandbyDuration <= 0 {
			dm.logger.Warnf("[DomainManager] Domain '%s' received status 429 (Too Many Requests). Standby disabled.", domain)
			return
		}
		ds.StandbyUntil = time.Now().Add(ds.CurrentStandbyDuration)
		dm.logger.Warnf("[DomainManager] Domain '%s' received status 429 (Too Many Requests). Standby until %s.",
			domain, ds.StandbyUntil.Format(time.RFC3339))

		// Increase standby duration for next time, up to a max
		ds.CurrentStandbyDuration *= 2
		if ds.CurrentStandbyDuration > DefaultMaxStandbyDuration {
			ds.CurrentStandbyDuration = DefaultMaxStandbyDuration
		}
		return
	}

	if err != nil {
		ds.consecutiveFailures++
		dm.logger.Debugf("[DomainManager] Error for domain %s: %v. Consecutive failures: %d.", domain, err, ds.consecutiveFailures)
		return
	}
	ds.consecutiveFailures = 0
}

// ConsecutiveFailures returns the number of network failures since the last success.
func (dm *DomainManager) ConsecutiveFailures(domain string) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if ds, ok := dm.domainStatus[domain]; ok {
		return ds.consecutiveFailures
	}
	return 0
}

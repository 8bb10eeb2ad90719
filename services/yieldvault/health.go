package yieldvault

import (
	"time"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Health is the service health snapshot served on /healthz.
type Health struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details"`
}

func (s *Service) setPersistError(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.persistErr = err
	if err == nil {
		s.lastPersist = time.Now()
	}
}

func (s *Service) persistError() error {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.persistErr
}

func (s *Service) recordKeeper(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.keeperErr = err
	s.lastKeeper = time.Now()
}

// Health reports "degraded" while checkpoints fail to persist, the last
// keeper run found a problem or the engine's books do not balance.
func (s *Service) Health() Health {
	s.healthMu.RLock()
	persistErr := s.persistErr
	keeperErr := s.keeperErr
	lastPersist := s.lastPersist
	lastKeeper := s.lastKeeper
	startTime := s.startTime
	s.healthMu.RUnlock()

	invariantErr := s.engine.CheckInvariants()
	state := s.engine.State()

	details := map[string]any{
		"service":        ServiceID,
		"version":        Version,
		"paused":         state.Paused,
		"active_adapter": state.ActiveAdapter.String(),
		"decisions":      s.engine.DecisionCount(),
		"persisted":      persistErr == nil,
		"notary_enabled": s.notary != nil,
		"keeper_enabled": s.keeper != nil,
	}
	if !lastPersist.IsZero() {
		details["last_persist"] = lastPersist.UTC().Format(time.RFC3339)
	}
	if !lastKeeper.IsZero() {
		details["last_keeper_run"] = lastKeeper.UTC().Format(time.RFC3339)
	}
	if s.notary != nil {
		details["notary_dropped"] = s.notary.Dropped()
		details["notary_batches"] = s.notary.Sealed()
	}
	if !startTime.IsZero() {
		details["uptime"] = time.Since(startTime).Round(time.Second).String()
	}

	status := StatusHealthy
	if persistErr != nil {
		status = StatusDegraded
		details["persist_error"] = persistErr.Error()
	}
	if keeperErr != nil {
		status = StatusDegraded
		details["keeper_error"] = keeperErr.Error()
	}
	if invariantErr != nil {
		status = StatusDegraded
		details["invariant_error"] = invariantErr.Error()
	}
	return Health{Status: status, Details: details}
}

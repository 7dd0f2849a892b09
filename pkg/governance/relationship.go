package governance

// TrustChange is the applied form of one outcome: the reputation shift for
// the subject and the trust-edge shift every observer records about it.
type TrustChange struct {
	SubjectID           string             `json:"subject_id"`
	Outcome             string             `json:"outcome"`
	Escalated           bool               `json:"escalated"`
	ReputationDelta     float64            `json:"reputation_delta"`
	ObserverTrustDeltas map[string]float64 `json:"observer_trust_deltas"`
	SourceEventType     string             `json:"source_event_type"`
	SourceEventID       int64              `json:"source_event_id"`
	SourceTimestamp     string             `json:"source_timestamp"`
}

// ApplyOutcomes turns outcomes into trust changes and applies them to the
// registry in order. The subject's reputation moves by the authority-banded
// step; every registered agent, the subject included, records a trust-edge
// shift toward the subject scaled by its own band. Outcomes for unknown
// agents are skipped.
func ApplyOutcomes(reg *Registry, outcomes []Outcome) []TrustChange {
	changes := make([]TrustChange, 0, len(outcomes))
	for _, outcome := range outcomes {
		subject := reg.Agent(outcome.AgentID)
		if subject == nil {
			continue
		}

		var reputationDelta float64
		if outcome.Outcome == OutcomeSuccess {
			reputationDelta = successReputationStep * authorityBand(subject.AuthorityLevel)
		} else {
			step := failureReputationStep
			if outcome.Escalated {
				step += escalationPenalty
			}
			reputationDelta = -step * authorityBand(subject.AuthorityLevel)
		}

		observerDeltas := make(map[string]float64)
		for _, observerID := range reg.AgentIDs() {
			observer := reg.Agent(observerID)
			observerDeltas[observerID] = reputationDelta * authorityBand(observer.AuthorityLevel)
		}

		reg.ApplyOutcomeUpdate(subject.AgentID, reputationDelta, observerDeltas, outcome.SourceTimestamp)

		changes = append(changes, TrustChange{
			SubjectID:           subject.AgentID,
			Outcome:             outcome.Outcome,
			Escalated:           outcome.Escalated,
			ReputationDelta:     reputationDelta,
			ObserverTrustDeltas: observerDeltas,
			SourceEventType:     outcome.SourceEventType,
			SourceEventID:       outcome.SourceEventID,
			SourceTimestamp:     outcome.SourceTimestamp,
		})
	}
	return changes
}

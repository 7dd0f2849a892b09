package governance

// ApprovalThreshold is the aggregate decision score a proposal must reach.
const ApprovalThreshold = 0.35

// Ballot is one voter's raw input to an arbitration round.
type Ballot struct {
	AgentID        string  `json:"agent_id"`
	ReasoningScore float64 `json:"reasoning_score"`
}

// Vote is one voter's weighted contribution.
type Vote struct {
	AgentID        string  `json:"agent_id"`
	ReasoningScore float64 `json:"reasoning_score"`
	AuthorityLevel float64 `json:"authority_level"`
	TrustWeight    float64 `json:"trust_weight"`
	DecisionScore  float64 `json:"decision_score"`
}

// ArbitrationResult is the outcome of one round over a target agent.
type ArbitrationResult struct {
	TargetAgent    string  `json:"target_agent"`
	Threshold      float64 `json:"threshold"`
	AggregateScore float64 `json:"aggregate_score"`
	Approved       bool    `json:"approved"`
	Votes          []Vote  `json:"votes"`
}

// Arbitrate scores a proposal about the target agent. Each known voter's
// reasoning score is clamped to [0,1] and weighted by the voter's authority
// and by how much the voter trusts the target; the aggregate is the mean of
// the weighted scores. Unknown voters are dropped, and an unknown target is
// never approved.
func Arbitrate(reg *Registry, targetAgent string, ballots []Ballot) *ArbitrationResult {
	target := normalizeAgentID(targetAgent)
	result := &ArbitrationResult{
		TargetAgent: target,
		Threshold:   ApprovalThreshold,
		Votes:       []Vote{},
	}
	if !reg.Has(target) {
		return result
	}

	var total float64
	for _, ballot := range ballots {
		voter := reg.Agent(ballot.AgentID)
		if voter == nil {
			continue
		}
		reasoning := clamp01(ballot.ReasoningScore)
		trust := reg.TrustWeight(voter.AgentID, target)
		score := reasoning * voter.AuthorityLevel * trust
		result.Votes = append(result.Votes, Vote{
			AgentID:        voter.AgentID,
			ReasoningScore: reasoning,
			AuthorityLevel: voter.AuthorityLevel,
			TrustWeight:    trust,
			DecisionScore:  score,
		})
		total += score
	}
	if len(result.Votes) == 0 {
		return result
	}

	result.AggregateScore = total / float64(len(result.Votes))
	result.Approved = result.AggregateScore >= ApprovalThreshold
	return result
}

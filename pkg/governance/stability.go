package governance

// stabilityWindow is how many trailing reputation samples feed the variance.
const stabilityWindow = 5

// StabilityReport summarizes reputation volatility across the fleet.
type StabilityReport struct {
	WindowSize       int                `json:"window_size"`
	PerAgentVariance map[string]float64 `json:"per_agent_variance"`
	GlobalVariance   float64            `json:"global_variance"`
	RecordedVersion  int                `json:"recorded_version"`
}

// ComputeStability measures the population variance of each agent's last
// few reputation samples and averages them into a fleet-wide figure. An
// agent with at most one sample contributes zero variance.
func ComputeStability(reg *Registry) *StabilityReport {
	window := stabilityWindow
	if window < 2 {
		window = 2
	}

	report := &StabilityReport{
		WindowSize:       window,
		PerAgentVariance: make(map[string]float64),
		RecordedVersion:  reg.Version(),
	}

	ids := reg.AgentIDs()
	if len(ids) == 0 {
		return report
	}

	var total float64
	for _, id := range ids {
		samples := reg.state.History[id]
		if len(samples) > window {
			samples = samples[len(samples)-window:]
		}
		v := populationVariance(samples)
		report.PerAgentVariance[id] = v
		total += v
	}
	report.GlobalVariance = total / float64(len(ids))
	return report
}

func populationVariance(samples []float64) float64 {
	if len(samples) <= 1 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(samples))
}

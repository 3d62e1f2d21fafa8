package lb

// Candidate is what selection needs from a proxy: identity plus the
// process-local in-flight request count.
type Candidate interface {
	Address() string
	Active() int64
}

// LeastLoaded picks the candidate with the fewest in-flight requests.
// Ties go to the earliest entry, so behavior is reproducible when callers
// pass candidates in pool order. Returns nil for an empty slice.
//
// Counts are process-local on purpose: selection spreads this process's
// load, while eligibility (deactivation, rate ceilings) is enforced
// globally before candidates reach here.
func LeastLoaded(candidates []Candidate) Candidate {
	var best Candidate
	for _, c := range candidates {
		if best == nil || c.Active() < best.Active() {
			best = c
		}
	}
	return best
}

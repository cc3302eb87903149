package workflow

import (
	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"github.com/shopspring/decimal"
)

const basisPointsScale = 10000

// WeightedVote is one voter's verdict with the trust score it carries.
type WeightedVote struct {
	VoterID string
	Verdict models.Verdict
	Trust   int
}

// Tally is the outcome of one aggregation pass.
type Tally struct {
	Status models.IncidentStatus
	// Winner is the verdict bucket holding the weighted majority, empty when
	// quorum is unmet or no bucket clears the threshold.
	Winner      models.Verdict
	Voters      int
	Counts      map[models.Verdict]int
	Weights     map[models.Verdict]int64
	TotalWeight int64
	BasisPoints map[models.Verdict]int64
	FastPath    bool
}

// Share returns a bucket's weight as a percentage with two decimals.
func (t Tally) Share(v models.Verdict) decimal.Decimal {
	return decimal.New(t.BasisPoints[v], -2)
}

// Aggregator folds a vote set into an incident status using trust-weighted
// majority. It holds no state; Compute is a pure function of its inputs.
type Aggregator struct {
	QuorumFloor         int
	MajorityBasisPoints int64
	FastPathTrust       int
}

func NewAggregator(s config.EngineSettings) Aggregator {
	return Aggregator{
		QuorumFloor:         s.QuorumFloor,
		MajorityBasisPoints: s.MajorityBasisPoints,
		FastPathTrust:       s.FastPathTrust,
	}
}

func clampTrust(t int) int {
	if t < 0 {
		return 0
	}
	if t > 100 {
		return 100
	}
	return t
}

func (a Aggregator) Compute(urgency models.Urgency, votes []WeightedVote) Tally {
	t := Tally{
		Status:      models.IncidentStatusPending,
		Counts:      map[models.Verdict]int{},
		Weights:     map[models.Verdict]int64{},
		BasisPoints: map[models.Verdict]int64{},
	}

	seen := make(map[string]struct{}, len(votes))
	var lastTrust int
	for _, v := range votes {
		if !v.Verdict.IsValid() {
			continue
		}
		if _, dup := seen[v.VoterID]; dup {
			continue
		}
		seen[v.VoterID] = struct{}{}
		w := int64(clampTrust(v.Trust))
		t.Counts[v.Verdict]++
		t.Weights[v.Verdict] += w
		t.TotalWeight += w
		lastTrust = clampTrust(v.Trust)
	}
	t.Voters = len(seen)

	if t.TotalWeight > 0 {
		for _, verdict := range models.Verdicts {
			t.BasisPoints[verdict] = t.Weights[verdict] * basisPointsScale / t.TotalWeight
		}
	}

	quorum := a.QuorumFloor
	if quorum < 1 {
		quorum = 1
	}
	if t.Voters < quorum {
		if !(urgency == models.UrgencyHigh && t.Voters == 1 && lastTrust >= a.FastPathTrust) {
			return t
		}
		t.FastPath = true
	}

	if t.TotalWeight == 0 {
		t.Status = models.IncidentStatusDisputed
		return t
	}

	// Strictly above the threshold; with a threshold of at least half only one
	// bucket can qualify, so an exact tie always falls through to disputed.
	for _, verdict := range models.Verdicts {
		if t.BasisPoints[verdict] > a.MajorityBasisPoints {
			t.Winner = verdict
			t.Status = verdict.Status()
			return t
		}
	}
	t.Status = models.IncidentStatusDisputed
	return t
}

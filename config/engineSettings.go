package config

import (
	"os"
	"strings"
	"time"
)

// EngineSettings holds the tunables of the consensus and reputation engine.
type EngineSettings struct {
	QuorumFloor         int
	MajorityBasisPoints int64
	FastPathTrust       int

	BaselineTrust      int
	VerifiedTrustFloor int

	PointsReportSubmitted      int64
	PointsReportVerified       int64
	PointsVerificationCast     int64
	PointsVerificationAccurate int64
	PointsPerLevel             int64

	LockWait time.Duration
	LockTTL  time.Duration

	ResolutionWindow time.Duration
	TrustReward      int
	TrustPenalty     int
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		QuorumFloor:         2,
		MajorityBasisPoints: 6000,
		FastPathTrust:       80,

		BaselineTrust:      50,
		VerifiedTrustFloor: 60,

		PointsReportSubmitted:      5,
		PointsReportVerified:       15,
		PointsVerificationCast:     10,
		PointsVerificationAccurate: 5,
		PointsPerLevel:             100,

		LockWait: 5 * time.Second,
		LockTTL:  30 * time.Second,

		ResolutionWindow: 24 * time.Hour,
		TrustReward:      2,
		TrustPenalty:     3,
	}
}

// LoadEngineSettings overlays ENGINE_* environment variables on the defaults.
func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()
	s.QuorumFloor = intFromEnv("ENGINE_QUORUM_FLOOR", s.QuorumFloor)
	s.MajorityBasisPoints = int64(intFromEnv("ENGINE_MAJORITY_BASIS_POINTS", int(s.MajorityBasisPoints)))
	s.FastPathTrust = intFromEnv("ENGINE_FAST_PATH_TRUST", s.FastPathTrust)
	s.BaselineTrust = intFromEnv("ENGINE_BASELINE_TRUST", s.BaselineTrust)
	s.VerifiedTrustFloor = intFromEnv("ENGINE_VERIFIED_TRUST_FLOOR", s.VerifiedTrustFloor)
	s.PointsReportSubmitted = int64(intFromEnv("ENGINE_POINTS_REPORT_SUBMITTED", int(s.PointsReportSubmitted)))
	s.PointsReportVerified = int64(intFromEnv("ENGINE_POINTS_REPORT_VERIFIED", int(s.PointsReportVerified)))
	s.PointsVerificationCast = int64(intFromEnv("ENGINE_POINTS_VERIFICATION_CAST", int(s.PointsVerificationCast)))
	s.PointsVerificationAccurate = int64(intFromEnv("ENGINE_POINTS_VERIFICATION_ACCURATE", int(s.PointsVerificationAccurate)))
	s.PointsPerLevel = int64(intFromEnv("ENGINE_POINTS_PER_LEVEL", int(s.PointsPerLevel)))
	s.LockWait = durationFromEnv("ENGINE_LOCK_WAIT", s.LockWait)
	s.LockTTL = durationFromEnv("ENGINE_LOCK_TTL", s.LockTTL)
	s.ResolutionWindow = durationFromEnv("RESOLUTION_WINDOW", s.ResolutionWindow)
	s.TrustReward = intFromEnv("TRUST_REWARD", s.TrustReward)
	s.TrustPenalty = intFromEnv("TRUST_PENALTY", s.TrustPenalty)
	if s.PointsPerLevel <= 0 {
		s.PointsPerLevel = 100
	}
	if s.QuorumFloor < 1 {
		s.QuorumFloor = 1
	}
	return s
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

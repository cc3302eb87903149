package config

import (
	"os"
	"strings"
)

const (
	StoreDriverMySQL  = "mysql"
	StoreDriverMemory = "memory"
)

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

// StoreDriver selects the persistence backend.
//
// Set via env:
// - STORE_DRIVER=mysql (default) | memory
func StoreDriver() string {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("STORE_DRIVER")), StoreDriverMemory) {
		return StoreDriverMemory
	}
	return StoreDriverMySQL
}

// RateLimitEnabled turns on the redis-backed per-client limiter for write routes.
// Defaults to on; it is a no-op while redis is not connected.
func RateLimitEnabled() bool {
	return envBool("RATE_LIMIT_ENABLED", true)
}

func SkipMigrations() bool {
	return envBool("SKIP_MIGRATIONS", false)
}

const (
	IncidentLockLocal = "local"
	IncidentLockRedis = "redis"
	IncidentLockMySQL = "mysql"
)

// IncidentLockDriver selects how votes on one incident are serialized.
// More than one replica needs redis or mysql.
//
// Set via env:
// - INCIDENT_LOCK=local | redis | mysql (default: redis with the mysql store, local otherwise)
func IncidentLockDriver() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("INCIDENT_LOCK"))) {
	case IncidentLockLocal:
		return IncidentLockLocal
	case IncidentLockRedis:
		return IncidentLockRedis
	case IncidentLockMySQL:
		return IncidentLockMySQL
	}
	if StoreDriver() == StoreDriverMySQL {
		return IncidentLockRedis
	}
	return IncidentLockLocal
}

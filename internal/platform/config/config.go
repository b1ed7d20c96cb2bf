package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr          string
	DatabaseURL   string
	JWTSigningKey string

	// RetentionYears is how many calendar years ledger entries stay in
	// the online window before the archival run moves them to cold
	// storage. Regulatory guidance implies multi-year retention; the
	// default is seven years.
	RetentionYears int

	// ArchiveInterval is how often the retention scheduler runs.
	ArchiveInterval time.Duration
}

const (
	defaultRetentionYears  = 7
	defaultArchiveInterval = 24 * time.Hour
)

// FromEnv builds a Server config from environment variables so main stays
// lean. An empty DatabaseURL selects the in-memory stores.
func FromEnv() Server {
	addr := os.Getenv("RATEBOOK_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default; override in production.
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	years := defaultRetentionYears
	if v := os.Getenv("RATEBOOK_RETENTION_YEARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			years = n
		}
	}

	interval := defaultArchiveInterval
	if v := os.Getenv("RATEBOOK_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	return Server{
		Addr:            addr,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSigningKey:   jwtSigningKey,
		RetentionYears:  years,
		ArchiveInterval: interval,
	}
}

package relserver

import (
	"errors"
	"time"

	"github.com/function61/gokit/jsonfile"
)

const configFilename = "config.json"

type ServerConfigFile struct {
	DBLocation        string `json:"db_location"`
	CacheDir          string `json:"cache_dir"`
	RelayURL          string `json:"relay_url"` // what clients see in BORG_REPO
	Hostname          string `json:"hostname"`
	MetricsAddr       string `json:"metrics_addr,omitempty"` // empty = metrics endpoint disabled
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty"`
	LockTimeoutMs     int    `json:"lock_timeout_ms,omitempty"`
	JobCacheMaxAgeH   int    `json:"job_cache_max_age_h,omitempty"`
}

func (s *ServerConfigFile) maxConcurrentJobs() int {
	if s.MaxConcurrentJobs <= 0 {
		return 2
	}

	return s.MaxConcurrentJobs
}

func (s *ServerConfigFile) lockTimeout() time.Duration {
	if s.LockTimeoutMs <= 0 {
		return 1 * time.Second
	}

	return time.Duration(s.LockTimeoutMs) * time.Millisecond
}

func (s *ServerConfigFile) jobCacheMaxAge() time.Duration {
	if s.JobCacheMaxAgeH <= 0 {
		return 7 * 24 * time.Hour
	}

	return time.Duration(s.JobCacheMaxAgeH) * time.Hour
}

func readServerConfigFile() (*ServerConfigFile, error) {
	scf := &ServerConfigFile{}
	if err := jsonfile.Read(configFilename, scf, true); err != nil {
		return nil, err
	}

	if scf.DBLocation == "" || scf.CacheDir == "" || scf.RelayURL == "" || scf.Hostname == "" {
		return nil, errors.New("config: db_location, cache_dir, relay_url and hostname are all required")
	}

	return scf, nil
}

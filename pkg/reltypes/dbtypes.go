package reltypes

import (
	"time"
)

// Repository is the real backup store for one location. RepositoryID must match
// what the live backend reports on every open; a mismatch is a fatal integrity
// fault, never retried.
type Repository struct {
	ID           string // our record id
	Name         string
	Location     string // e.g. /data0/repository or s3://bucket:region:...
	RepositoryID string // 32 bytes hex, as reported by the backend
	RemoteBorg   string // remote borg binary name (remote repositories only)
	Created      time.Time
}

// RshConnection tells how to reach a client machine over a remote shell.
type RshConnection struct {
	Remote          string // usually something like root@somehost
	Rsh             string // defaults to ssh
	RshOptions      string
	SSHIdentityFile string
	RemoteBorg      string // remote borg binary name
	RemoteCacheDir  string // empty = borg default (~/.cache/borg/)
}

// Client is a tenant machine owning jobs and job configs.
type Client struct {
	Hostname    string // unique, slug-like; primary key
	Description string
	Connection  RshConnection
	Created     time.Time
}

// JobConfig is a saved backup parameter set bound to one client and repository.
type JobConfig struct {
	ID                 string
	Label              string
	Client             string // Client.Hostname
	Repository         string // Repository.ID
	Paths              []string
	Excludes           []string
	OneFileSystem      bool
	ReadSpecial        bool
	IgnoreInode        bool
	CheckpointInterval int // seconds
	Compression        string
	ExtraOptions       string
	Schedule           string // cron spec; empty = manual only
}

type CheckConfig struct {
	ID                   string
	Label                string
	Repository           string
	CheckRepository      bool
	VerifyData           bool
	CheckArchives        bool
	CheckOnlyNewArchives bool
	Schedule             string
}

// RetentionPolicy mirrors borg's prune buckets. -1 = unlimited, 0 = keep none.
type RetentionPolicy struct {
	ID           string
	Name         string
	Description  string
	KeepSecondly int
	KeepMinutely int
	KeepHourly   int
	KeepDaily    int
	KeepWeekly   int
	KeepMonthly  int
	KeepYearly   int
}

type PruneConfig struct {
	ID              string
	Name            string
	Description     string
	RetentionPolicy string // RetentionPolicy.ID
	ClientRe        string // regex selecting clients by hostname
	Schedule        string
}

// FailureCause is the stored, taxonomized reason a job failed. Kind is one of
// the fixed taxonomy strings (see reljobs); details carry kind-specific context
// like the failing command or exit code.
type FailureCause struct {
	Kind    string
	Details map[string]string
}

// JobData is the job's structured data bag. The client_* fields hold transient
// secrets that exist only between client_preparing and client_done, after which
// the executor erases them.
type JobData struct {
	FailureCause         *FailureCause
	ClientKeyData        []byte
	ClientKeyType        string
	ClientManifestData   []byte
	ClientManifestID     string // hex
	CheckpointArchiveIDs []string
	BorgWarning          bool
}

// Job is the unit of work. Mutated only through the state-transition protocol
// in reldb; see UpdateJobState / ForceJobState / SetJobFailureCause.
type Job struct {
	ID         string
	Kind       string // JobKindBackup | JobKindCheck | JobKindPrune
	Created    time.Time
	Started    *time.Time
	Finished   *time.Time
	State      JobState
	Repository string // Repository.ID
	Client     string // Client.Hostname; empty for check/prune
	Config     string // id of the JobConfig/CheckConfig/PruneConfig
	Archive    string // Archive.ID once the final archive is committed
	Data       JobData
}

func (j *Job) Stable() bool {
	return j.State.Stable()
}

func (j *Job) Duration() time.Duration {
	if j.Started == nil {
		return 0
	}
	if j.Finished == nil {
		return time.Since(*j.Started)
	}
	return j.Finished.Sub(*j.Started)
}

// Config is an internal key-value record (server secret etc.)
type Config struct {
	Key   string
	Value string
}

// Archive is the durable record of one completed backup run. Created exactly
// once at successful commit of its job, never mutated afterward.
type Archive struct {
	ID               string // content fingerprint, hex
	Name             string
	Repository       string
	Job              string // originating job; may be empty for imports
	Client           string
	Time             time.Time
	Duration         time.Duration
	NFiles           int64
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
}

package relserver

import (
	"encoding/json"
	"net"
	"sort"
	"time"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/borgrelay/pkg/relutils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/stopper"
	"go.etcd.io/bbolt"
)

// Control socket protocol: one JSON request per connection, one JSON
// response back. Commands mutate through the supervisor so the control loop
// stays the single writer of queue state.

type CommandRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

type CommandResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type JobSummary struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	Created      time.Time  `json:"created"`
	Started      *time.Time `json:"started,omitempty"`
	Finished     *time.Time `json:"finished,omitempty"`
	Repository   string     `json:"repository"`
	Client       string     `json:"client,omitempty"`
	Archive      string     `json:"archive,omitempty"`
	FailureKind  string     `json:"failure_kind,omitempty"`
	FailureError string     `json:"failure_error,omitempty"`
}

type commandServer struct {
	db      *bolt.DB
	sup     *Supervisor
	scf     *ServerConfigFile
	logTail *LogTail
	logl    *logex.Leveled
}

func startCommandServer(
	db *bolt.DB,
	sup *Supervisor,
	scf *ServerConfigFile,
	logTail *LogTail,
	logl *logex.Leveled,
	stop *stopper.Stopper,
) error {
	listener, err := relutils.CreateTCPOrDomainSocketListener(relutils.DaemonSocketAddr(), logl)
	if err != nil {
		return err
	}

	srv := &commandServer{db, sup, scf, logTail, logl}

	go func() {
		<-stop.Signal
		listener.Close()
	}()

	go func() {
		defer stop.Done()

		for {
			conn, err := listener.Accept()
			if err != nil {
				// closed on stop
				return
			}

			go srv.serveConn(conn)
		}
	}()

	return nil
}

func (c *commandServer) serveConn(conn net.Conn) {
	defer conn.Close()

	req := &CommandRequest{}
	if err := json.NewDecoder(conn).Decode(req); err != nil {
		c.logl.Error.Printf("control request: %v", err)
		return
	}

	result, err := c.handle(req)

	resp := &CommandResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.OK = false
			resp.Error = err.Error()
		} else {
			resp.Result = raw
		}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		c.logl.Error.Printf("control response: %v", err)
	}
}

func (c *commandServer) handle(req *CommandRequest) (any, error) {
	switch req.Command {
	case "job-trigger":
		return c.jobTrigger(req.Args["kind"], req.Args["config"])
	case "job-trigger-bulk":
		return c.jobTriggerBulk(req.Args["client"], req.Args["config"])
	case "job-cancel":
		cancelled, err := c.sup.Cancel(req.Args["job"])
		if err != nil {
			return nil, err
		}

		return map[string]bool{"cancelled": cancelled}, nil
	case "job-list":
		return c.jobList()
	case "stats":
		return c.sup.Stats(), nil
	case "log":
		return c.logTail.Snapshot(), nil
	case "db-location":
		return map[string]string{"db_location": c.scf.DBLocation}, nil
	default:
		return nil, &UnknownCommandError{req.Command}
	}
}

type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command: " + e.Command
}

func (c *commandServer) jobTrigger(kind string, configID string) (any, error) {
	jobIDs, err := CreateJobs(c.db, kind, configID)
	if err != nil {
		return nil, err
	}

	c.logl.Info.Printf("triggered %s config %s: created %v", kind, configID, jobIDs)

	return map[string][]string{"job_ids": jobIDs}, nil
}

// jobTriggerBulk mints one backup job per config whose client/label match the
// anchored regexes.
func (c *commandServer) jobTriggerBulk(clientRe string, configRe string) (any, error) {
	configIDs := []string{}

	if err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		configIDs, err = MatchBackupConfigs(tx, clientRe, configRe)
		return err
	}); err != nil {
		return nil, err
	}

	jobIDs := []string{}

	for _, configID := range configIDs {
		created, err := CreateJobs(c.db, reltypes.JobKindBackup, configID)
		if err != nil {
			return nil, err
		}

		jobIDs = append(jobIDs, created...)
	}

	c.logl.Info.Printf("bulk trigger (client=%s config=%s): created %v", clientRe, configRe, jobIDs)

	return map[string][]string{"job_ids": jobIDs}, nil
}

func (c *commandServer) jobList() ([]JobSummary, error) {
	summaries := []JobSummary{}

	if err := c.db.View(func(tx *bolt.Tx) error {
		jobs := []reltypes.Job{}
		if err := reldb.JobRepository.Each(reldb.JobAppender(&jobs), tx); err != nil {
			return err
		}

		for _, job := range jobs {
			summary := JobSummary{
				ID:         job.ID,
				Kind:       job.Kind,
				State:      string(job.State),
				Created:    job.Created,
				Started:    job.Started,
				Finished:   job.Finished,
				Repository: job.Repository,
				Client:     job.Client,
				Archive:    job.Archive,
			}

			if job.Data.FailureCause != nil {
				summary.FailureKind = job.Data.FailureCause.Kind
				summary.FailureError = job.Data.FailureCause.Details["error"]
			}

			summaries = append(summaries, summary)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Created.After(summaries[j].Created)
	})

	return summaries, nil
}

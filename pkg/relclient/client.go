// Client for the daemon's control socket.
package relclient

import (
	"encoding/json"
	"errors"
	"net"

	"github.com/function61/borgrelay/pkg/relserver"
	"github.com/function61/borgrelay/pkg/relutils"
)

type APIClient struct {
	addr string
}

func New() *APIClient {
	return &APIClient{relutils.DaemonSocketAddr()}
}

func (a *APIClient) call(command string, args map[string]string, result any) error {
	conn, err := a.dial()
	if err != nil {
		return errors.New("daemon not reachable (is borgrelay server running?): " + err.Error())
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(&relserver.CommandRequest{
		Command: command,
		Args:    args,
	}); err != nil {
		return err
	}

	resp := &relserver.CommandResponse{}
	if err := json.NewDecoder(conn).Decode(resp); err != nil {
		return err
	}

	if !resp.OK {
		return errors.New(resp.Error)
	}

	if result != nil {
		return json.Unmarshal(resp.Result, result)
	}

	return nil
}

func (a *APIClient) dial() (net.Conn, error) {
	if path := relutils.ParseDomainSocketPath(a.addr); path != "" {
		return net.Dial("unix", path)
	}

	return net.Dial("tcp", a.addr)
}

func (a *APIClient) TriggerJob(kind string, configID string) ([]string, error) {
	result := struct {
		JobIDs []string `json:"job_ids"`
	}{}

	if err := a.call("job-trigger", map[string]string{
		"kind":   kind,
		"config": configID,
	}, &result); err != nil {
		return nil, err
	}

	return result.JobIDs, nil
}

func (a *APIClient) TriggerJobsBulk(clientRe string, configRe string) ([]string, error) {
	result := struct {
		JobIDs []string `json:"job_ids"`
	}{}

	if err := a.call("job-trigger-bulk", map[string]string{
		"client": clientRe,
		"config": configRe,
	}, &result); err != nil {
		return nil, err
	}

	return result.JobIDs, nil
}

func (a *APIClient) CancelJob(jobID string) (bool, error) {
	result := struct {
		Cancelled bool `json:"cancelled"`
	}{}

	if err := a.call("job-cancel", map[string]string{"job": jobID}, &result); err != nil {
		return false, err
	}

	return result.Cancelled, nil
}

func (a *APIClient) Jobs() ([]relserver.JobSummary, error) {
	jobs := []relserver.JobSummary{}
	if err := a.call("job-list", nil, &jobs); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (a *APIClient) Stats() (*relserver.Stats, error) {
	stats := &relserver.Stats{}
	if err := a.call("stats", nil, stats); err != nil {
		return nil, err
	}

	return stats, nil
}

func (a *APIClient) LogLines() ([]string, error) {
	lines := []string{}
	if err := a.call("log", nil, &lines); err != nil {
		return nil, err
	}

	return lines, nil
}

func (a *APIClient) DBLocation() (string, error) {
	result := struct {
		DBLocation string `json:"db_location"`
	}{}

	if err := a.call("db-location", nil, &result); err != nil {
		return "", err
	}

	return result.DBLocation, nil
}

package relclient

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/function61/gokit/osutil"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func jobsEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Lists jobs, newest first",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := New().Jobs()
			osutil.ExitIfError(err)

			rows := [][]string{}
			for _, job := range jobs {
				failure := job.FailureKind
				if job.FailureError != "" {
					failure += ": " + job.FailureError
				}

				rows = append(rows, []string{
					job.ID,
					job.Kind,
					job.State,
					job.Created.Local().Format(time.RFC822),
					job.Client,
					job.Repository,
					failure,
				})
			}

			printTable([]string{"ID", "Kind", "State", "Created", "Client", "Repository", "Failure"}, rows)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger [kind] [configId]",
		Short: "Creates job(s) from a config (kind = backup | check | prune)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			jobIDs, err := New().TriggerJob(args[0], args[1])
			osutil.ExitIfError(err)

			for _, id := range jobIDs {
				fmt.Println(id)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger-bulk [clientRegex] [configLabelRegex]",
		Short: "Creates backup jobs for every config matching both regexes",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			jobIDs, err := New().TriggerJobsBulk(args[0], args[1])
			osutil.ExitIfError(err)

			for _, id := range jobIDs {
				fmt.Println(id)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel [jobId]",
		Short: "Dequeues a pending job or interrupts a running one",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cancelled, err := New().CancelJob(args[0])
			osutil.ExitIfError(err)

			if !cancelled {
				fmt.Fprintln(os.Stderr, "job not queued or running")
				os.Exit(1)
			}
		},
	})

	return cmd
}

func statsEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Shows daemon queue and running jobs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := New().Stats()
			osutil.ExitIfError(err)

			fmt.Printf("queued: %s\n", strings.Join(stats.Queued, ", "))

			rows := [][]string{}
			for _, running := range stats.Running {
				rows = append(rows, []string{
					running.JobID,
					running.Kind,
					time.Since(running.StartedAt).Round(time.Second).String(),
				})
			}

			printTable([]string{"ID", "Kind", "Runtime"}, rows)
		},
	}
}

func logEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Shows the daemon's recent log lines",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			lines, err := New().LogLines()
			osutil.ExitIfError(err)

			for _, line := range lines {
				fmt.Println(line)
			}
		},
	}
}

func dbLocationEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:    "db-location",
		Short:  "Prints the daemon's database path (for backup purposes)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			location, err := New().DBLocation()
			osutil.ExitIfError(err)

			fmt.Println(location)
		},
	}
}

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		jobsEntrypoint(),
		statsEntrypoint(),
		logEntrypoint(),
		dbLocationEntrypoint(),
	}
}

// human-friendly table on a terminal, tab-separated when piped
func printTable(headers []string, rows [][]string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		tbl := tablewriter.NewWriter(os.Stdout)
		tbl.SetAutoFormatHeaders(false)
		tbl.SetBorder(false)
		tbl.SetHeader(headers)

		for _, row := range rows {
			tbl.Append(row)
		}

		tbl.Render()
		return
	}

	for _, row := range rows {
		fmt.Println(strings.Join(row, "\t"))
	}
}

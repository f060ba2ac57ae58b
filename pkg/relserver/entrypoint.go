// The daemon component: job supervisor, scheduler, control socket and the
// re-encrypting repository proxy.
package relserver

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/function61/borgrelay/pkg/relutils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/stopper"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the relay daemon",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logTail := NewLogTail(100)

			// all log writes pass through to stderr; logTail keeps the last
			// lines for the control socket's log command
			rootLogger := logex.StandardLoggerTo(logTail.Writer(os.Stderr))

			workers := stopper.NewManager()
			go func(logger *log.Logger) {
				logex.Levels(logger).Info.Printf(
					"got %s; stopping",
					<-ossignal.InterruptOrTerminate())

				workers.StopAllWorkersAndWait()
			}(logex.Prefix("main", rootLogger))

			osutil.ExitIfError(runServer(rootLogger, logTail, workers.Stopper()))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:    "serve",
		Short:  "Bridges stdio to the daemon's repository proxy (use as forced SSH command)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(runProxyBridge())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to start the daemon on boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"borgrelay",
				"borgrelay daemon",
				systemdinstaller.Args("server"),
				systemdinstaller.Docs("https://github.com/function61/borgrelay"))

			osutil.ExitIfError(systemdinstaller.Install(serviceFile))

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}

// runProxyBridge pipes stdio to the daemon's proxy socket. Runs as the forced
// command of the clients' ssh key, so a client never gets a shell; the only
// thing it can reach is its own proxied repository session.
func runProxyBridge() error {
	conn, err := net.Dial("unix", relutils.ParseDomainSocketPath(relutils.ProxySocketAddr()))
	if err != nil {
		return err
	}
	defer conn.Close()

	unixConn := conn.(*net.UnixConn)

	go func() {
		_, _ = io.Copy(unixConn, os.Stdin)
		_ = unixConn.CloseWrite()
	}()

	_, err = io.Copy(os.Stdout, unixConn)
	return err
}

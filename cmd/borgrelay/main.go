package main

import (
	"os"

	"github.com/function61/borgrelay/pkg/relclient"
	"github.com/function61/borgrelay/pkg/relserver"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "borgrelay: multi-tenant encrypted backup relay",
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used). https://github.com/spf13/cobra/issues/1507
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	// client commands sit at the root level for convenience, since they are
	// what operators type most often
	for _, entrypoint := range relclient.Entrypoints() {
		rootCmd.AddCommand(entrypoint)
	}

	rootCmd.AddCommand(relserver.Entrypoint())

	osutil.ExitIfError(rootCmd.Execute())
}

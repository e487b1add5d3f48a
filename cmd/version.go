package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/netlab/internal/daemon"
	"firestige.xyz/netlab/internal/link"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and available link drivers",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(os.Stdout)
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "netlab %s (%s %s/%s)\n", daemon.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "drivers: %s\n", strings.Join(link.Drivers(), ", "))
}

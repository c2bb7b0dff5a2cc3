// Command acpd is the egress mediation daemon: it installs the kernel
// filter, serves the forward proxy and consent gate, and supervises
// the subordinate agent process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "acpd",
		Short: "Egress mediation and consent enforcement daemon",
	}
	root.AddCommand(newStartCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "acpd: %v\n", err)
		os.Exit(1)
	}
}

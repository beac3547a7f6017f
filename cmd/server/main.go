package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCode lets a command fail with a specific process status without cobra
// printing usage.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

const (
	exitInvalid = exitCode(1)
	exitError   = exitCode(2)
)

var rootCmd = &cobra.Command{
	Use:           "glyph-sync-server",
	Short:         "Collaborative annotation sync server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(int(exitError))
	}
}

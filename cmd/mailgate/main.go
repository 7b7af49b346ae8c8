// Command mailgate pipes an email from the MTA into threadmail. It is meant
// to be used as an alias target, for example:
//
//	support: "|/usr/local/bin/mailgate --url https://desk.example.com"
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes understood by MTAs (sysexits.h).
const (
	exitOK       = 0
	exitNoUser   = 67
	exitSoftware = 70
	exitTempFail = 75
)

// Version info set via ldflags at build time.
var Version = "dev"

// exitError carries the exit code an MTA should see.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mailgate",
		Short:         "Deliver an email from stdin to threadmail",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newDeliverCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailgate %s\n", Version)
		},
	})
	return cmd
}

func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "mailgate: %v\n", err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitSoftware
}

func main() {
	os.Exit(execute(newRootCmd()))
}

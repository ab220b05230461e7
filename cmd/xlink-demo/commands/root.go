// Package commands implements the xlink-demo CLI: a small cobra front end
// that exercises the SDK core end to end over the in-process Memory
// channel, without any real transport or persistence backing it.
package commands

import (
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	loggerFactory = logging.NewDefaultLoggerFactory()
)

// Execute builds and runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "xlink-demo",
		Short: "Exercise the xlink SDK core between two in-process peers",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(sendCmd(), groupCmd())
	return root.Execute()
}

func rootLogger(scope string) logging.LeveledLogger {
	if verbose {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	} else {
		loggerFactory.DefaultLogLevel = logging.LogLevelInfo
	}
	return loggerFactory.NewLogger(scope)
}

// Command updata-execute executes a previously computed update plan.
package main

import (
	"flag"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/config"
	"github.com/tplusa/updata/executor"
	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/plan"
	"github.com/tplusa/updata/repo"
)

const (
	exitRebootFailed    = 10
	exitConnectionError = 20
)

func run() int {
	logger.Init()

	flags, err := config.ParseExecutorFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Errormsg("%v", err)
		return 2
	}

	logger.Log("updata_execute")

	thisVersion := config.Version
	if flags.TestVersion != "" {
		thisVersion = flags.TestVersion
	}

	suffix := ""
	if flags.TestMode {
		suffix = " --- TEST MODE"
	}
	logger.Log("This is version %s%s", thisVersion, suffix)

	if !flags.TestMode {
		if err := repo.RunAsUser("updata"); err != nil {
			logger.Log("Unhandled exception: %v", err)
			return 1
		}
	}

	steps, err := plan.Load(flags.PlanFile)
	if err != nil {
		logger.Log("Unhandled exception: %v", err)
		return 1
	}

	err = executor.New(flags).Run(steps)
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrExitForOfflineUpdate):
		// phase 1 is complete; phase 2 runs after the reboot
	case errors.Is(err, executor.ErrRebootFailed):
		logger.Errormsg("Failed to reboot: %v", err)
		return exitRebootFailed
	case executor.IsConnectionError(err):
		logger.Errormsg("Failed connecting to server: %v", err)
		return exitConnectionError
	default:
		logger.Log("Unhandled exception: %v", err)
		return 1
	}

	return 0
}

func main() {
	os.Exit(run())
}

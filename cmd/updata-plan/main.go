// Command updata-plan determines the upgrade path from the current installed
// state to the requested version and writes the resulting plan as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/artifact"
	"github.com/tplusa/updata/config"
	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/planner"
	"github.com/tplusa/updata/repo"
)

const (
	exitNoMainVersion     = 23
	exitNoRecoveryVersion = 24
)

func run() int {
	logger.Init()

	flags, err := config.ParsePlannerFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Errormsg("%v", err)
		return 2
	}

	logger.Log("updata_determine_strategy")

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

	p := &planner.Planner{
		Flags:       flags,
		Artifacts:   artifact.NewClient(),
		ThisVersion: thisVersion,
	}

	strategy, err := p.DetermineStrategy()
	switch {
	case err == nil:
	case errors.Is(err, planner.ErrNoMainVersion):
		return exitNoMainVersion
	case errors.Is(err, planner.ErrNoRecoveryVersion):
		return exitNoRecoveryVersion
	default:
		logger.Log("Unhandled exception: %v", err)
		return 1
	}

	raw, err := json.Marshal(strategy)
	if err != nil {
		logger.Log("Unhandled exception: %v", err)
		return 1
	}

	if flags.OutputFile != "" {
		if err := os.WriteFile(flags.OutputFile, raw, 0644); err != nil {
			logger.Log("Unhandled exception: %v", err)
			return 1
		}
	} else {
		fmt.Println(string(raw))
	}

	return 0
}

func main() {
	os.Exit(run())
}

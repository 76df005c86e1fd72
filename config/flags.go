package config

import (
	"flag"

	"github.com/cockroachdb/errors"
)

// PlannerFlags is the command-line surface of updata-plan.
type PlannerFlags struct {
	OutputFile        string
	BaseURL           string
	TargetVersion     string
	TargetReleaseLine string
	TargetFlavor      string
	TargetFlavorSet   bool
	ForceImageFiles   bool
	ForceRsysUpdate   bool
	KeepUserData      bool
	MachineName       string
	ConfigFile        string
	TestSysroot       string
	TestVersion       string
	TestMode          bool
}

// setupPlannerFlags sets up the flags without parsing them.
func setupPlannerFlags(fs *flag.FlagSet, cfg *PlannerFlags) {
	fs.StringVar(&cfg.OutputFile, "output-file", "",
		"where to write the upgrade plan to (default: stdout)")
	fs.StringVar(&cfg.BaseURL, "base-url", "",
		"base URL of StrBo package repository")
	fs.StringVar(&cfg.TargetVersion, "target-version", "",
		"version number of the system the user wants to use; if none is "+
			"specified, the latest available version is chosen")
	fs.StringVar(&cfg.TargetReleaseLine, "target-release-line", "",
		"release line the user wants to use; if none is specified, then the "+
			"current release line is retained")
	fs.StringVar(&cfg.TargetFlavor, "target-flavor", "",
		"system flavor the user wants to use; if none is specified, then the "+
			"current flavor is retained; pass an empty string or the string "+
			"\"stable\" to disable any flavor and return to the base distribution")
	fs.BoolVar(&cfg.ForceImageFiles, "force-image-files", false,
		"update the system from image files through the recovery system, "+
			"even if not strictly necessary")
	fs.BoolVar(&cfg.ForceRsysUpdate, "force-rsys-update", false,
		"if updating via image files, then update recovery system as well, "+
			"even if not strictly necessary")
	fs.BoolVar(&cfg.KeepUserData, "keep-user-data", false,
		"avoid erasing of user data in case the upgrade is done through "+
			"the recovery system")
	fs.StringVar(&cfg.MachineName, "machine-name", "raspberrypi",
		"machine name of the Streaming Board, required for updating via "+
			"image files")
	fs.StringVar(&cfg.ConfigFile, "config", DefaultConfigFile,
		"path to the site defaults file")
	fs.StringVar(&cfg.TestSysroot, "test-sysroot", "/", "test environment")
	fs.StringVar(&cfg.TestVersion, "test-version", "",
		"set package version for testing")
}

// ParsePlannerFlags parses the planner's command line, applies the site
// defaults file, and validates required options.
func ParsePlannerFlags(fs *flag.FlagSet, args []string) (*PlannerFlags, error) {
	cfg := &PlannerFlags{}
	setupPlannerFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cfg.TargetFlavorSet = set["target-flavor"]
	cfg.TestMode = set["test-sysroot"] || set["test-version"]

	defaults, err := LoadDefaults(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	if defaults != nil {
		if !set["base-url"] && defaults.BaseURL != "" {
			cfg.BaseURL = defaults.BaseURL
		}
		if !set["machine-name"] && defaults.MachineName != "" {
			cfg.MachineName = defaults.MachineName
		}
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("option --base-url is required")
	}

	return cfg, nil
}

// ExecutorFlags is the command-line surface of updata-execute.
type ExecutorFlags struct {
	PlanFile            string
	AvoidReboot         bool
	RebootOnly          bool
	RESTAPIURL          string
	UpdataWorkDir       string
	DNFWorkDir          string
	ConfigFile          string
	TestSysroot         string
	TestOfflineModePath string
	TestVersion         string
	TestMode            bool
}

// setupExecutorFlags sets up the flags without parsing them.
func setupExecutorFlags(fs *flag.FlagSet, cfg *ExecutorFlags) {
	fs.StringVar(&cfg.PlanFile, "plan", "",
		"file containing an update plan")
	fs.BoolVar(&cfg.AvoidReboot, "avoid-reboot", false,
		"do everything, but do not reboot the system")
	fs.BoolVar(&cfg.RebootOnly, "reboot-only", false,
		"do nothing, but reboot the system if planned")
	fs.StringVar(&cfg.RESTAPIURL, "rest-api-url", "http://localhost:8467/v1",
		"REST API base URL")
	fs.StringVar(&cfg.UpdataWorkDir, "updata-work-dir",
		"/var/local/data/system_update_data",
		"path to UpdaTA working directory")
	fs.StringVar(&cfg.DNFWorkDir, "dnf-work-dir", "/var/local/data/dnf",
		"path to dnf working directory")
	fs.StringVar(&cfg.ConfigFile, "config", DefaultConfigFile,
		"path to the site defaults file")
	fs.StringVar(&cfg.TestSysroot, "test-sysroot", "/", "test environment")
	fs.StringVar(&cfg.TestOfflineModePath, "test-offline-mode-path", "",
		"assume offline mode for testing, use PATH for /system-update symlink")
	fs.StringVar(&cfg.TestVersion, "test-version", "",
		"set package version for testing")
}

// ParseExecutorFlags parses the executor's command line, applies the site
// defaults file, and validates required options.
func ParseExecutorFlags(fs *flag.FlagSet, args []string) (*ExecutorFlags, error) {
	cfg := &ExecutorFlags{}
	setupExecutorFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cfg.TestMode = set["test-sysroot"] || set["test-version"] ||
		set["test-offline-mode-path"]

	defaults, err := LoadDefaults(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	if defaults != nil && !set["rest-api-url"] && defaults.RESTAPIURL != "" {
		cfg.RESTAPIURL = defaults.RESTAPIURL
	}

	if cfg.PlanFile == "" {
		return nil, errors.New("option --plan is required")
	}

	return cfg, nil
}

// Package executor consumes an update plan step by step, driving the
// package manager and the appliance REST API.
package executor

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/artifact"
	"github.com/tplusa/updata/config"
	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/plan"
	"github.com/tplusa/updata/repo"
)

// downloadSymlinkPath is the sentinel marking the pending offline update;
// its presence selects phase 2 of a dnf-install step.
const downloadSymlinkPath = "/system-update"

// rebootRequestPhrase guards the recovery reboot endpoint against
// accidental calls.
const rebootRequestPhrase = "Please kindly recover the system: " +
	"I really know what I am doing"

// ErrRebootFailed marks a failure of a reboot-inducing step (exit code 10).
var ErrRebootFailed = errors.New("reboot failed")

// ErrExitForOfflineUpdate is returned after phase 1 of an offline install
// has requested the reboot into offline-update mode; the process exits
// successfully and phase 2 runs after the reboot.
var ErrExitForOfflineUpdate = errors.New("exiting for offline update")

// errExitForOfflineUpdate is the internal control signal raised by the
// dnf-install step when phase 1 completes.
var errExitForOfflineUpdate = errors.New("offline update prepared")

// Executor runs an update plan in order. Steps either complete or terminate
// the process; the plan file on disk is the only state carried across the
// offline-update reboot.
type Executor struct {
	Flags     *config.ExecutorFlags
	Runner    repo.Runner
	Artifacts *artifact.Client
	DNFVars   *repo.DNFVariables

	// Sudo selects whether filesystem transitions run through the
	// privileged runner or as direct syscalls.
	Sudo bool

	rest            *restClient
	downloadSymlink string
}

// New builds an executor over the real subprocess runner and REST API.
func New(flags *config.ExecutorFlags) *Executor {
	return &Executor{
		Flags:     flags,
		Runner:    &repo.CommandRunner{Sudo: true, TestMode: flags.TestMode},
		Artifacts: artifact.NewClient(),
		DNFVars: &repo.DNFVariables{
			Path: filepath.Join(flags.TestSysroot, "etc/dnf/vars"),
		},
		Sudo: true,
	}
}

func (e *Executor) restAPI() *restClient {
	if e.rest == nil {
		e.rest = newRESTClient(e.Flags.RESTAPIURL)
	}
	return e.rest
}

func (e *Executor) symlinkPath() string {
	if e.downloadSymlink != "" {
		return e.downloadSymlink
	}
	if e.Flags.TestOfflineModePath != "" {
		return e.Flags.TestOfflineModePath
	}
	return downloadSymlinkPath
}

// inOfflineMode tells whether the offline-update sentinel is present. The
// test override forces offline mode.
func (e *Executor) inOfflineMode() bool {
	if e.Flags.TestOfflineModePath != "" {
		return true
	}

	_, err := os.Lstat(e.symlinkPath())
	return err == nil
}

func logStep(step plan.Step, format string, args ...interface{}) {
	logger.Log("%s: "+format, append([]interface{}{step.Action()}, args...)...)
}

// Run executes the plan in list order. It returns ErrExitForOfflineUpdate
// when the process must exit for the offline-update reboot, ErrRebootFailed
// when a reboot could not be requested, or the failing step's error.
func (e *Executor) Run(p plan.Plan) error {
	for _, step := range p {
		logger.Log("Step: %s", plan.StepJSON(step))

		handled, err := e.runStep(step)

		if errors.Is(err, errExitForOfflineUpdate) {
			if err := e.doRebootSystem(step); err != nil {
				return err
			}
			return ErrExitForOfflineUpdate
		}
		if err != nil {
			return err
		}

		if handled {
			logStep(step, "Done")
		}
	}

	return nil
}

func (e *Executor) runStep(step plan.Step) (bool, error) {
	switch s := step.(type) {
	case plan.Nop:
		e.doNop(s)
	case plan.ManageRepos:
		return true, e.doManageRepos(s)
	case plan.DNFInstall:
		return true, e.doDNFInstall(s)
	case plan.DNFDistroSync:
		return true, e.doDNFDistroSync(s)
	case plan.RebootSystem:
		return true, e.doRebootSystem(s)
	case plan.RunInstaller:
		return true, e.doRunInstaller(s)
	case plan.RecoverSystem:
		return true, e.doRecoverSystem(s)
	default:
		logger.Errormsg("Action %q unknown, skipping step", step.Action())
		return false, nil
	}

	return true, nil
}

func (e *Executor) doNop(step plan.Nop) {
	if step.OriginalUpdataVersion == "" {
		logStep(step, "Plan generated by legacy version")
	} else {
		logStep(step, "Plan generated by version %s", step.OriginalUpdataVersion)
	}
}

func (e *Executor) doManageRepos(step plan.ManageRepos) error {
	if e.Flags.RebootOnly || e.inOfflineMode() {
		return nil
	}

	logWrite := func(name, value string) {
		logStep(step, "Set dnf variable %s = %s", name, value)
	}

	if _, err := e.DNFVars.WriteVar("strbo_release_line", step.ReleaseLine,
		logWrite); err != nil {
		return err
	}
	if _, err := e.DNFVars.WriteVar("strbo_update_baseurl", step.BaseURL,
		logWrite); err != nil {
		return err
	}
	if _, err := e.DNFVars.WriteVar("strbo_base_enabled", "1", logWrite); err != nil {
		return err
	}

	enabled, err := e.DNFVars.WriteVar("strbo_flavor", step.EnableFlavor, logWrite)
	if err != nil {
		return err
	}

	switch {
	case enabled:
		_, err = e.DNFVars.WriteVar("strbo_flavor_enabled", "1", logWrite)
	case step.DisableFlavor != "":
		_, err = e.DNFVars.WriteVar("strbo_flavor_enabled", "0", logWrite)
	}

	return err
}

func (e *Executor) doDNFInstall(step plan.DNFInstall) error {
	if e.Flags.RebootOnly {
		return nil
	}

	if !e.inOfflineMode() {
		if err := e.downloadAllPackages(step); err != nil {
			return err
		}
		return errExitForOfflineUpdate
	}

	return e.offlineUpdate(step)
}

func (e *Executor) doDNFDistroSync(step plan.DNFDistroSync) error {
	if e.Flags.RebootOnly || e.inOfflineMode() {
		return nil
	}

	logStep(step, "Synchronizing with latest distro version")
	_, err := e.Runner.Run([]string{"dnf", "distro-sync", "--assumeyes"},
		"dnf distro-sync", true)
	return err
}

func (e *Executor) doRebootSystem(step plan.Step) error {
	if e.Flags.AvoidReboot {
		return nil
	}

	// the REST API may well be non-functional at this point, so the
	// reboot is requested directly
	logStep(step, "Requesting system reboot")
	if _, err := e.Runner.Run(
		[]string{"systemctl", "isolate", "reboot.target"}, "", true); err != nil {
		return errors.Wrapf(ErrRebootFailed, "%v", err)
	}

	return nil
}

func (e *Executor) doRunInstaller(step plan.RunInstaller) error {
	if e.Flags.RebootOnly || e.inOfflineMode() {
		return nil
	}

	rest := e.restAPI()

	logStep(step, "Replacing recovery system for %s", step.RequestedVersion)
	ep, err := rest.endpoint("recovery_data", "replace_system")
	if err != nil {
		return err
	}
	if err := rest.postForm(ep, url.Values{"dataurl": {step.InstallerURL}}); err != nil {
		return err
	}

	logStep(step, "Verifying recovery system")
	if ep, err = rest.endpoint("recovery_data", "verify_system"); err != nil {
		return err
	}
	if err := rest.postForm(ep, nil); err != nil {
		return err
	}

	logStep(step, "Checking recovery system version")
	if ep, err = rest.endpoint("recovery_data", "system_info"); err != nil {
		return err
	}

	var sysinfo infoResponse
	if err := rest.getJSON(ep, &sysinfo); err != nil {
		return err
	}

	if sysinfo.Status.State != "valid" {
		return errors.Newf("recovery system not valid: %s",
			sysinfo.Status.State)
	}

	v := sysinfo.VersionInfo
	logStep(step, "Recovery system version line %s flavor %s version %s",
		v.ReleaseLine, v.Flavor, v.Number)
	return nil
}

// stripV removes the optional "V" prefix of a rendered version number.
func stripV(s string) string {
	if len(s) > 0 && s[0] == 'V' {
		return s[1:]
	}
	return s
}

func (e *Executor) ensureRecoveryData(step plan.RecoverSystem) error {
	if e.Flags.RebootOnly {
		return nil
	}

	rest := e.restAPI()

	if step.RecoveryDataURL != "" {
		logStep(step, "Replacing recovery data -> %s", step.RequestedVersion)
		ep, err := rest.endpoint("recovery_data", "replace_data")
		if err != nil {
			return err
		}
		if err := rest.postForm(ep,
			url.Values{"dataurl": {step.RecoveryDataURL}}); err != nil {
			return err
		}
	} else {
		logStep(step, "Not replacing recovery data, should be %s already",
			step.RequestedVersion)
	}

	logStep(step, "Verifying recovery data")
	ep, err := rest.endpoint("recovery_data", "verify_data")
	if err != nil {
		return err
	}
	if err := rest.postForm(ep, nil); err != nil {
		return err
	}

	logStep(step, "Checking recovery data version")
	if ep, err = rest.endpoint("recovery_data", "data_info"); err != nil {
		return err
	}

	var datainfo infoResponse
	if err := rest.getJSON(ep, &datainfo); err != nil {
		return err
	}

	if datainfo.Status.State != "valid" {
		return errors.Newf("recovery data not valid: %s",
			datainfo.Status.State)
	}

	v := datainfo.VersionInfo
	if stripV(v.Number) != stripV(step.RequestedVersion) ||
		v.ReleaseLine != step.RequestedLine ||
		v.Flavor != step.RequestedFlavor {
		return errors.Newf("recovery data version is still wrong: "+
			"line %s flavor %s version %s; giving up",
			v.ReleaseLine, v.Flavor, v.Number)
	}

	return nil
}

func (e *Executor) rebootIntoRecoverySystem(step plan.RecoverSystem) error {
	if e.Flags.AvoidReboot {
		return nil
	}

	logStep(step, "Request system reboot into recovery system")
	ep, err := e.restAPI().endpoint("recovery_data", "reboot_system")
	if err != nil {
		return err
	}

	err = e.restAPI().postJSON(ep, map[string]interface{}{
		"request":        rebootRequestPhrase,
		"keep_user_data": step.KeepUserData,
	})
	if err != nil && errors.Is(err, errHTTPStatus) {
		return errors.Wrapf(ErrRebootFailed, "%v", err)
	}

	return err
}

func (e *Executor) doRecoverSystem(step plan.RecoverSystem) error {
	if err := e.ensureRecoveryData(step); err != nil {
		return err
	}

	return e.rebootIntoRecoverySystem(step)
}

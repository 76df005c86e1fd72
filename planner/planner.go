// Package planner computes the update strategy: an ordered plan taking the
// device from its currently installed state to the requested one, either in
// place through the package manager or through the recovery system.
package planner

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/artifact"
	"github.com/tplusa/updata/compat"
	"github.com/tplusa/updata/config"
	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/plan"
	"github.com/tplusa/updata/repo"
	"github.com/tplusa/updata/version"
)

// ErrNoMainVersion means the main system version could not be read (exit
// code 23).
var ErrNoMainVersion = errors.New("cannot determine main system version")

// ErrNoRecoveryVersion means the recovery system version could not be read
// (exit code 24).
var ErrNoRecoveryVersion = errors.New("cannot determine recovery system version")

// Planner determines the update strategy from the configured request and the
// installed system state.
type Planner struct {
	Flags       *config.PlannerFlags
	Artifacts   *artifact.Client
	ThisVersion string

	// Runner used for the scoped mount of the recovery data partition.
	// Defaults to a sudo-capable subprocess runner.
	Runner repo.Runner
}

func (p *Planner) runner() repo.Runner {
	if p.Runner != nil {
		return p.Runner
	}
	return &repo.CommandRunner{Sudo: true, TestMode: p.Flags.TestMode}
}

// DetermineStrategy computes the plan. Within the current release line the
// package manager upgrades in place; changing the release line, or forcing
// image files, always implies recovery.
func (p *Planner) DetermineStrategy() (plan.Plan, error) {
	mainSys := repo.MainSystem{EtcPath: filepath.Join(p.Flags.TestSysroot, "etc")}
	mainVersion := mainSys.SystemVersion()
	if mainVersion == nil {
		return nil, ErrNoMainVersion
	}

	targetLine := p.Flags.TargetReleaseLine
	if targetLine == "" {
		targetLine = mainVersion.ReleaseLine
	}

	strategy := plan.Plan{plan.Nop{OriginalUpdataVersion: p.ThisVersion}}

	if targetLine == mainVersion.ReleaseLine && !p.Flags.ForceImageFiles {
		steps, err := p.packageManagerStrategy(mainVersion, targetLine)
		if err != nil {
			return nil, err
		}
		strategy = append(strategy, steps...)
	} else {
		steps, err := p.recoveryStrategy(mainVersion, targetLine)
		if err != nil {
			return nil, err
		}
		strategy = append(strategy, steps...)
	}

	return strategy, nil
}

// resolveTargetFlavor normalizes the requested flavor: an unset flavor
// retains the given default, and the literal "stable" means the base
// distribution.
func (p *Planner) resolveTargetFlavor(defaultFlavor string) string {
	flavor := defaultFlavor
	if p.Flags.TargetFlavorSet {
		flavor = p.Flags.TargetFlavor
	}
	if flavor == "stable" {
		flavor = ""
	}
	return flavor
}

// handleRepoChanges builds the manage-repos step and reconciles the
// configured flavor with the requested one.
func (p *Planner) handleRepoChanges(releaseLine, currentFlavor string,
	dnfVars *repo.DNFVariables) (plan.ManageRepos, string, bool) {

	step := plan.ManageRepos{
		BaseURL:     p.Flags.BaseURL,
		ReleaseLine: releaseLine,
	}

	targetFlavor := p.resolveTargetFlavor(currentFlavor)
	flavorWasChanged := targetFlavor != currentFlavor

	configuredFlavor, _ := dnfVars.ReadVar("strbo_flavor")

	if configuredFlavor != "" && configuredFlavor != targetFlavor {
		step.DisableFlavor = configuredFlavor
	}

	if targetFlavor != "" && configuredFlavor != targetFlavor {
		step.EnableFlavor = targetFlavor
	}

	return step, targetFlavor, flavorWasChanged
}

// requestedUpdataVersion peeks at the target manifest for the version of the
// updata package it ships. An absent entry is reported as the empty string.
func (p *Planner) requestedUpdataVersion(manifestURL string) (string, error) {
	entries, err := p.Artifacts.Manifest(manifestURL)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if e.Name == "updata" {
			return e.Version, nil
		}
	}

	logger.Log("WARNING: UpdaTA is not listed in %s", manifestURL)
	return "", nil
}

// compareDottedVersions loosely compares two dotted-integer package
// versions. The empty string sorts before everything.
func compareDottedVersions(a, b string) (int, error) {
	if a == "" {
		if b == "" {
			return 0, nil
		}
		return -1, nil
	}
	if b == "" {
		return 1, nil
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, err := strconv.Atoi(as[i])
		if err != nil {
			return 0, errors.Wrapf(err, "bad package version %q", a)
		}
		bi, err := strconv.Atoi(bs[i])
		if err != nil {
			return 0, errors.Wrapf(err, "bad package version %q", b)
		}

		if ai < bi {
			return -1, nil
		}
		if ai > bi {
			return 1, nil
		}
	}

	return len(as) - len(bs), nil
}

// handleVersionChange resolves the effective target version and builds the
// dnf-install step, annotated when the update would downgrade or remove the
// running updata. Returns nil when no update is needed.
func (p *Planner) handleVersionChange(currentVersion *version.VersionNumber,
	forceVersionCheck bool, repoURL, targetFlavor string) (*plan.DNFInstall, error) {

	if targetFlavor == "" {
		targetFlavor = "stable"
	}

	var targetVersion version.VersionNumber
	pinnedOnServer := false

	if p.Flags.TargetVersion == "" {
		latest, err := p.Artifacts.ReadLatest(
			fmt.Sprintf("%s/versions/%s/latest.txt", repoURL, targetFlavor),
			"latest.txt (packages)")
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, nil
		}

		// want preset latest version of chosen flavor
		targetVersion = *latest
		pinnedOnServer = true
	} else {
		v, err := version.Parse(p.Flags.TargetVersion)
		if err != nil {
			return nil, err
		}
		targetVersion = v
	}

	if currentVersion != nil && targetVersion.Equal(*currentVersion) &&
		!forceVersionCheck {
		// neither version number nor flavor changed: no update at all
		logger.Log("System update to %s avoided, version already installed",
			targetVersion)
		return nil, nil
	}

	kind := "requested"
	if pinnedOnServer {
		kind = "pinned"
	}
	logger.Log("Planning update to %s version %s, flavor %s",
		kind, targetVersion, targetFlavor)

	step := &plan.DNFInstall{
		RequestedVersion: targetVersion.String(),
		VersionFileURL: fmt.Sprintf("%s/versions/%s/V%s.version",
			repoURL, targetFlavor, targetVersion),
	}

	nextVersion, err := p.requestedUpdataVersion(step.VersionFileURL)
	if err != nil {
		return nil, err
	}

	cmp, err := compareDottedVersions(nextVersion, p.ThisVersion)
	if err != nil {
		return nil, err
	}

	switch {
	case cmp < 0 && nextVersion == "":
		logger.Log("UpdaTA is going to be REMOVED")
		step.UpdataUpdate = plan.UpdataDeferredRemoval
	case cmp < 0:
		logger.Log("UpdaTA is going to be DOWNGRADED from %s to %s",
			p.ThisVersion, nextVersion)
		step.UpdataUpdate = plan.UpdataDeferredDowngrade
	case cmp == 0:
		logger.Log("Target version of UpdaTA is %s (unchanged)", nextVersion)
	default:
		logger.Log("Target version of UpdaTA is %s (regular upgrade)",
			nextVersion)
	}

	return step, nil
}

// packageManagerStrategy plans an in-place upgrade within the current
// release line.
func (p *Planner) packageManagerStrategy(mainVersion *repo.VersionInfo,
	targetLine string) (plan.Plan, error) {

	dnfVars := &repo.DNFVariables{
		Path: filepath.Join(p.Flags.TestSysroot, "etc/dnf/vars"),
	}

	repoStep, targetFlavor, flavorWasChanged :=
		p.handleRepoChanges(targetLine, mainVersion.Flavor, dnfVars)

	steps := plan.Plan{repoStep}

	installStep, err := p.handleVersionChange(mainVersion.Number,
		flavorWasChanged,
		fmt.Sprintf("%s/%s", p.Flags.BaseURL, targetLine), targetFlavor)
	if err != nil {
		return nil, err
	}
	if installStep != nil {
		steps = append(steps, *installStep)
	}

	logger.Log("Planning system reboot")
	steps = append(steps, plan.RebootSystem{})

	return steps, nil
}

// recoveryTargetVersion resolves the target of a recovery, defaulting to the
// latest recovery data published for the flavor.
func (p *Planner) recoveryTargetVersion(defaultFlavor, targetLine string) (
	version.VersionNumber, string, error) {

	targetFlavor := p.resolveTargetFlavor(defaultFlavor)
	if targetFlavor == "" {
		targetFlavor = "stable"
	}

	if p.Flags.TargetVersion != "" {
		v, err := version.Parse(p.Flags.TargetVersion)
		if err != nil {
			return version.VersionNumber{}, "", err
		}
		return v, targetFlavor, nil
	}

	latest, err := p.Artifacts.ReadLatest(
		fmt.Sprintf("%s/%s/%s/recovery-data.%s/latest.txt",
			p.Flags.BaseURL, targetLine, targetFlavor, p.Flags.MachineName),
		"latest.txt (recovery data)")
	if err != nil {
		return version.VersionNumber{}, "", err
	}
	if latest == nil {
		return version.VersionNumber{}, "",
			errors.New("no target version specified")
	}

	return *latest, targetFlavor, nil
}

// recoveryStrategy plans an update through the recovery system, replacing
// the recovery system itself first when the target version requires it.
func (p *Planner) recoveryStrategy(mainVersion *repo.VersionInfo,
	targetLine string) (plan.Plan, error) {

	targetVersion, targetFlavor, err :=
		p.recoveryTargetVersion(mainVersion.Flavor, targetLine)
	if err != nil {
		return nil, err
	}

	recoverySys := repo.NewRecoverySystem(
		filepath.Join(p.Flags.TestSysroot, "bootpartr"),
		filepath.Join(p.Flags.TestSysroot, "src"),
		p.runner())

	recoveryVersion := recoverySys.SystemVersion()
	if recoveryVersion == nil {
		return nil, ErrNoRecoveryVersion
	}

	doc, err := p.Artifacts.ReadCompatibility(fmt.Sprintf(
		"%s/%s/recovery-system.%s/strbo-recovery-compatibility.json",
		p.Flags.BaseURL, targetLine, p.Flags.MachineName))
	if err != nil {
		return nil, err
	}

	var steps plan.Plan

	installerStep, err := compat.EnsureRecoverySystemCompatibility(
		compat.ResolveRequest{
			Document:         doc,
			InstalledVersion: recoveryVersion.Number,
			TargetLine:       targetLine,
			TargetVersion:    targetVersion,
			TargetFlavor:     targetFlavor,
			ForceUpdate:      p.Flags.ForceRsysUpdate,
			BaseURL:          p.Flags.BaseURL,
			MachineName:      p.Flags.MachineName,
		})
	if err != nil {
		return nil, err
	}
	if installerStep != nil {
		steps = append(steps, *installerStep)
	}

	recoverStep := plan.RecoverSystem{
		RequestedLine:    targetLine,
		RequestedVersion: targetVersion.String(),
		RequestedFlavor:  targetFlavor,
		KeepUserData:     p.Flags.KeepUserData,
	}

	dataVersion := recoverySys.DataVersion()

	if dataVersion == nil || dataVersion.Number == nil ||
		!dataVersion.Number.Equal(targetVersion) {
		logger.Log("Planning download of recovery images for version %s, flavor %s",
			targetVersion, targetFlavor)
		recoverStep.RecoveryDataURL = fmt.Sprintf(
			"%s/%s/%s/recovery-data.%s/strbo-update-V%s.bin",
			p.Flags.BaseURL, targetLine, targetFlavor, p.Flags.MachineName,
			targetVersion)
		if err := p.Artifacts.EnsureURLExists(recoverStep.RecoveryDataURL); err != nil {
			return nil, err
		}
	} else {
		logger.Log("Update of recovery images for version %s avoided, "+
			"images already installed", targetVersion)
	}

	userData := "erasing"
	if recoverStep.KeepUserData {
		userData = "keeping"
	}
	logger.Log("Planning recovery to version %s, flavor %s, %s user data",
		targetVersion, targetFlavor, userData)

	steps = append(steps, recoverStep)
	return steps, nil
}

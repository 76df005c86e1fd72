package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/plan"
)

var (
	baseInstallCommand = []string{"dnf", "install", "--assumeyes",
		"--allowerasing", "--setopt", "keepcache=True"}
	baseRemoveCommand = []string{"dnf", "remove", "--assumeyes",
		"--allowerasing"}
)

func (e *Executor) removeFile(path, what string) error {
	if e.Sudo {
		_, err := e.Runner.Run([]string{"/bin/rm", "-f", path}, what, true)
		return err
	}

	if e.Flags.TestMode {
		logger.Log("TEST MODE: Would unlink file %s", path)
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// downloadAllPackages is phase 1 of the offline install: download the target
// package set and arm the offline-update sentinel. The caller exits for the
// reboot afterwards.
func (e *Executor) downloadAllPackages(step plan.DNFInstall) error {
	logStep(step, "Cleaning up dnf state")
	if _, err := e.Runner.Run(
		[]string{"dnf", "clean", "packages", "--assumeyes"},
		"dnf prepare", true); err != nil {
		return err
	}

	dnfWorkDir, err := filepath.Abs(e.Flags.DNFWorkDir)
	if err != nil {
		return err
	}

	if err := e.removeFile(filepath.Join(dnfWorkDir, "tempfiles.json"),
		"dnf delete tempfiles.json"); err != nil {
		return err
	}

	logStep(step, "Downloading manifest for version %s", step.RequestedVersion)
	ids, err := e.Artifacts.ManifestPackageIDs(step.VersionFileURL)
	if err != nil {
		return err
	}

	manifest := strings.Join(ids, "\n")
	if manifest != "" {
		manifest += "\n"
	}
	if err := os.WriteFile(
		filepath.Join(e.Flags.UpdataWorkDir, "manifest.txt"),
		[]byte(manifest), 0644); err != nil {
		return err
	}

	logStep(step, "Downloading up to %d packages", len(ids))

	if len(ids) > 0 {
		cmd := append([]string{"dnf", "install", "--assumeyes",
			"--downloadonly"}, ids...)
		if _, err := e.Runner.Run(cmd, "dnf download", true); err != nil {
			return err
		}
	}

	logStep(step, "Entering update mode")

	symlink := e.symlinkPath()
	if e.Sudo {
		if _, err := e.Runner.Run([]string{"ln", "-s", dnfWorkDir, symlink},
			"dnf download done", true); err != nil {
			return err
		}
	} else if err := os.Symlink(dnfWorkDir, symlink); err != nil {
		return err
	}

	if e.Flags.TestMode {
		logger.Log("TEST MODE: Would count number of entries in %s",
			filepath.Join(symlink, "tempfiles.json"))
		return nil
	}

	downloaded, err := readTempfiles(symlink)
	if err != nil {
		logStep(step, "NO packages downloaded: %v", err)
	} else {
		logStep(step, "Can install %d downloaded packages", len(downloaded))
	}

	return nil
}

// readTempfiles loads dnf's tempfiles.json, the list of package files
// downloaded into the cache.
func readTempfiles(symlink string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(symlink, "tempfiles.json"))
	if err != nil {
		return nil, err
	}

	var files []string
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, err
	}

	return files, nil
}

// installedPackageID normalizes one line of "dnf list --installed" output to
// name-version.arch, stripping the epoch. Returns empty strings for lines
// that are not package lines.
func installedPackageID(line string) (name, id string) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", ""
	}

	dot := strings.LastIndex(fields[0], ".")
	if dot < 0 {
		return "", ""
	}
	name, arch := fields[0][:dot], fields[0][dot+1:]

	ver := fields[1]
	if colon := strings.Index(ver, ":"); colon >= 0 {
		ver = ver[colon+1:]
	}

	return name, name + "-" + ver + "." + arch
}

// offlineUpdate is phase 2 of the offline install: apply the downloaded
// package set, remove residual packages not listed in the manifest, and
// process the deferred updata packages last so the running binary is not
// replaced mid-install.
func (e *Executor) offlineUpdate(step plan.DNFInstall) error {
	symlink := e.symlinkPath()

	packages, err := readTempfiles(symlink)
	if err != nil {
		logger.Errormsg("Failed to read dnf package list: %v", err)
		packages = nil
	}

	if e.Sudo {
		if _, err := e.Runner.Run([]string{"rm", symlink},
			"dnf begin offline update", true); err != nil {
			return err
		}
	} else if err := os.Remove(symlink); err != nil {
		return err
	}

	updateMode := step.UpdataUpdate
	withDeferredUpdata := updateMode == plan.UpdataDeferredDowngrade ||
		updateMode == plan.UpdataDeferredRemoval

	var deferredUpdate, deferredResidual []string

	if withDeferredUpdata && len(packages) > 0 {
		var kept []string
		for _, packagePath := range packages {
			name := filepath.Base(packagePath)
			if !strings.HasPrefix(name, "updata-") {
				kept = append(kept, packagePath)
				continue
			}

			logStep(step, "Deferring installation of %s", name)
			deferredUpdate = append(deferredUpdate, packagePath)

			if updateMode == plan.UpdataDeferredRemoval {
				logStep(step, "WARNING: Planned UpdaTA update mode indicates "+
					"REMOVAL of UpdaTA, but the package is still going to be "+
					"INSTALLED as it is listed in the target version manifest! "+
					"Very likely, this is a BUG!")
				logStep(step, "WARNING: Switching update mode to %q",
					plan.UpdataDeferredDowngrade)
				updateMode = plan.UpdataDeferredDowngrade
			}
		}
		packages = kept
	}

	logStep(step, "Installing %d packages", len(packages))

	if len(packages) > 0 {
		cmd := append(append([]string{}, baseInstallCommand...), packages...)
		if _, err := e.Runner.Run(cmd, "dnf install", true); err != nil {
			return err
		}
	}

	logStep(step, "Running ldconfig after installing packages")
	if _, err := e.Runner.Run([]string{"ldconfig"},
		"ldconfig after install", true); err != nil {
		return err
	}

	manifestPath := filepath.Join(e.Flags.UpdataWorkDir, "manifest.txt")
	manifest := map[string]bool{}
	manifestOK := true

	if raw, err := os.ReadFile(manifestPath); err != nil {
		manifestOK = false
		logger.Errormsg("Failed to read manifest: %v", err)
	} else {
		for _, line := range strings.Split(string(raw), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				manifest[line] = true
			}
		}
	}

	// every installed package the manifest does not list is residual and
	// gets removed; in deferred mode the updata packages are held back
	var residual []string

	out, err := e.Runner.Run([]string{"dnf", "list", "--installed"},
		"dnf list", true)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(out), "\n") {
		name, id := installedPackageID(line)
		if id == "" {
			continue
		}

		if withDeferredUpdata && strings.HasPrefix(name, "updata") {
			if updateMode == plan.UpdataDeferredRemoval {
				deferredResidual = append(deferredResidual, id)
				logStep(step, "Deferring explicit removal of %s", id)
			} else {
				logStep(step, "Not removing %s, will update later", id)
			}
		} else if len(manifest) > 0 && !manifest[id] {
			residual = append(residual, id)
		}
	}

	logStep(step, "Removing %d residual packages", len(residual))

	if len(residual) > 0 {
		cmd := append(append([]string{}, baseRemoveCommand...), residual...)
		if _, err := e.Runner.Run(cmd, "dnf remove", true); err != nil {
			return err
		}
	}

	logStep(step, "Running ldconfig after removing packages")
	if _, err := e.Runner.Run([]string{"ldconfig"},
		"ldconfig after removal", true); err != nil {
		return err
	}

	if withDeferredUpdata {
		logStep(step, "Processing deferred packages")

		logStep(step, "Installing %d packages", len(deferredUpdate))
		if len(deferredUpdate) > 0 {
			cmd := append(append([]string{}, baseInstallCommand...),
				deferredUpdate...)
			if _, err := e.Runner.Run(cmd, "dnf install deferred", true); err != nil {
				return err
			}
		}

		logStep(step, "Removing %d residual packages", len(deferredResidual))
		if len(deferredResidual) > 0 {
			cmd := append(append([]string{}, baseRemoveCommand...),
				deferredResidual...)
			if _, err := e.Runner.Run(cmd, "dnf remove deferred", true); err != nil {
				return err
			}
		}
	} else {
		logStep(step, "No deferred package processing")
	}

	logStep(step, "Cleaning up downloaded packages")
	if _, err := e.Runner.Run(
		[]string{"dnf", "clean", "packages", "--assumeyes"},
		"dnf cleanup", true); err != nil {
		return err
	}

	if manifestOK {
		if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

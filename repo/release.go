// Package repo reads the installed system state: release files of the main
// and recovery systems, the recovery data partition, and the package
// manager's variable files.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/shlex"

	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/version"
)

// VersionInfo is the version tag of one installed system as read from its
// release file. The version number is nil for the pre-existing legacy
// recovery system sentinel.
type VersionInfo struct {
	Number      *version.VersionNumber
	ReleaseLine string
	Flavor      string
	TimeStamp   string
	CommitID    string
}

func (vi *VersionInfo) String() string {
	num := "<none>"
	if vi.Number != nil {
		num = vi.Number.String()
	}
	return fmt.Sprintf("Version %q Line %q Flavor %q Time %q Commit %q",
		num, vi.ReleaseLine, vi.Flavor, vi.TimeStamp, vi.CommitID)
}

// parseShellStyleFile reads a file of shell variable assignments, honoring
// shell quoting, into a key/value map. Read errors are logged here so the
// callers only have to decide on their fallback.
func parseShellStyleFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Errormsg("Error reading file %s: %v", path, err)
		return nil, err
	}

	values := map[string]string{}
	tokens, err := shlex.Split(string(raw))
	if err != nil {
		logger.Errormsg("Error reading file %s: %v", path, err)
		return nil, err
	}

	for _, token := range tokens {
		key, value, found := strings.Cut(token, "=")
		if !found {
			err := errors.Newf("missing assignment in %q", token)
			logger.Errormsg("Error reading file %s: %v", path, err)
			return nil, err
		}
		if key != "" {
			values[key] = value
		}
	}

	return values, nil
}

// parseSimpleAssignmentsFile reads a plain KEY=VALUE per line file, no
// quoting.
func parseSimpleAssignmentsFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Errormsg("Error reading file %s: %v", path, err)
		return nil, err
	}

	values := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			err := errors.Newf("missing assignment in %q", line)
			logger.Errormsg("Error reading file %s: %v", path, err)
			return nil, err
		}
		key = strings.TrimSpace(key)
		if key != "" {
			values[key] = strings.TrimSpace(value)
		}
	}

	return values, nil
}

func requireValue(values map[string]string, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", errors.Newf("missing key %q", key)
	}
	return v, nil
}

func versionInfoFromStrboRelease(values map[string]string) (*VersionInfo, error) {
	raw, err := requireValue(values, "STRBO_VERSION")
	if err != nil {
		return nil, err
	}
	num, err := version.Parse(raw)
	if err != nil {
		return nil, err
	}

	vi := &VersionInfo{Number: &num}
	if vi.ReleaseLine, err = requireValue(values, "STRBO_RELEASE_LINE"); err != nil {
		return nil, err
	}
	if vi.Flavor, err = requireValue(values, "STRBO_FLAVOR"); err != nil {
		return nil, err
	}
	if vi.TimeStamp, err = requireValue(values, "STRBO_DATETIME"); err != nil {
		return nil, err
	}
	if vi.CommitID, err = requireValue(values, "STRBO_GIT_COMMIT"); err != nil {
		return nil, err
	}

	return vi, nil
}

func versionInfoFromOSRelease(values map[string]string) (*VersionInfo, error) {
	raw, err := requireValue(values, "VERSION_ID")
	if err != nil {
		return nil, err
	}
	num, err := version.Parse(raw)
	if err != nil {
		return nil, err
	}

	vi := &VersionInfo{Number: &num, ReleaseLine: "V1"}
	if vi.TimeStamp, err = requireValue(values, "BUILD_ID"); err != nil {
		return nil, err
	}
	if vi.CommitID, err = requireValue(values, "BUILD_GIT_COMMIT"); err != nil {
		return nil, err
	}

	return vi, nil
}

// MainSystem reads the version tag of the currently running main system.
type MainSystem struct {
	EtcPath string
}

// SystemVersion reads /etc/strbo-release, falling back to /etc/os-release
// for systems predating the dedicated release file. Returns nil when neither
// yields a version; failures are logged.
func (m *MainSystem) SystemVersion() *VersionInfo {
	sr := filepath.Join(m.EtcPath, "strbo-release")

	values, readErr := parseShellStyleFile(sr)
	if readErr == nil {
		vi, err := versionInfoFromStrboRelease(values)
		if err != nil {
			logger.Errormsg("Failed obtaining main system version from %s: %v",
				sr, err)
			return nil
		}
		return vi
	}

	sr = filepath.Join(m.EtcPath, "os-release")

	values, readErr = parseSimpleAssignmentsFile(sr)
	if readErr != nil {
		return nil
	}

	vi, err := versionInfoFromOSRelease(values)
	if err != nil {
		logger.Errormsg("Failed obtaining main system version from %s: %v",
			sr, err)
		return nil
	}
	return vi
}

// RecoverySystem reads version tags of the recovery system's boot partition
// and of the recovery data partition. The data partition is not assumed
// mounted; reading it acquires a scoped mount.
type RecoverySystem struct {
	SystemMountpoint      string
	DataMountpoint        string
	DataMountpointMounted bool

	runner Runner
}

// NewRecoverySystem returns a reader over the given mountpoints. The runner
// carries the sudo capability for mount and umount.
func NewRecoverySystem(systemMountpoint, dataMountpoint string, runner Runner) *RecoverySystem {
	return &RecoverySystem{
		SystemMountpoint: systemMountpoint,
		DataMountpoint:   dataMountpoint,
		runner:           runner,
	}
}

// SystemVersion reads the recovery system's release file from its boot
// partition. Both files missing yields a VersionInfo with nil number and
// release line "V1", the marker for a pre-existing legacy recovery system.
func (r *RecoverySystem) SystemVersion() *VersionInfo {
	sr := filepath.Join(r.SystemMountpoint, "strbo-release")

	values, readErr := parseShellStyleFile(sr)
	if readErr == nil {
		vi, err := versionInfoFromStrboRelease(values)
		if err != nil {
			logger.Errormsg("Failed obtaining recovery system version from %s: %v",
				sr, err)
			return nil
		}
		return vi
	}

	sr = filepath.Join(r.SystemMountpoint, "os-release")

	values, readErr = parseSimpleAssignmentsFile(sr)
	if readErr == nil {
		vi, err := versionInfoFromOSRelease(values)
		if err != nil {
			logger.Errormsg("Failed obtaining recovery system version from %s: %v",
				sr, err)
			return nil
		}
		return vi
	}

	return &VersionInfo{ReleaseLine: "V1"}
}

// DataVersion mounts the recovery data partition, reads the release file of
// the image set stored on it, and releases the mount again on every exit
// path. Returns nil when the file cannot be read or parsed.
func (r *RecoverySystem) DataVersion() *VersionInfo {
	sr := filepath.Join(r.DataMountpoint, "images/strbo-release")

	if !r.DataMountpointMounted {
		if _, err := r.runner.Run([]string{"/bin/mount", r.DataMountpoint},
			"", false); err != nil {
			logger.Errormsg("Failed obtaining recovery data version from %s: %v",
				sr, err)
			return nil
		}

		defer func() {
			if _, err := r.runner.Run([]string{"/bin/umount", r.DataMountpoint},
				"", false); err != nil {
				logger.Errormsg("Failed unmounting %s: %v",
					r.DataMountpoint, err)
			}
		}()
	}

	values, err := parseShellStyleFile(sr)
	if err != nil {
		return nil
	}

	vi, err := versionInfoFromStrboRelease(values)
	if err != nil {
		logger.Errormsg("Failed obtaining recovery data version from %s: %v",
			sr, err)
		return nil
	}
	return vi
}

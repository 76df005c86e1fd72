package executor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tplusa/updata/artifact"
	"github.com/tplusa/updata/config"
	"github.com/tplusa/updata/plan"
	"github.com/tplusa/updata/repo"
)

type fakeRunner struct {
	commands [][]string
	handler  func(cmd []string, what string) ([]byte, error)
}

func (f *fakeRunner) Run(cmd []string, what string, needSbinInPath bool) ([]byte, error) {
	f.commands = append(f.commands, cmd)
	if f.handler != nil {
		return f.handler(cmd, what)
	}
	return nil, nil
}

func (f *fakeRunner) find(words ...string) [][]string {
	var found [][]string
	for _, cmd := range f.commands {
		if len(cmd) < len(words) {
			continue
		}
		match := true
		for i, w := range words {
			if cmd[i] != w {
				match = false
				break
			}
		}
		if match {
			found = append(found, cmd)
		}
	}
	return found
}

func newTestExecutor(t *testing.T) (*Executor, *fakeRunner, string) {
	t.Helper()

	sysroot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysroot, "etc/dnf/vars"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysroot, "updata"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysroot, "dnf"), 0755))

	runner := &fakeRunner{}

	e := &Executor{
		Flags: &config.ExecutorFlags{
			RESTAPIURL:    "http://localhost:8467/v1",
			UpdataWorkDir: filepath.Join(sysroot, "updata"),
			DNFWorkDir:    filepath.Join(sysroot, "dnf"),
			TestSysroot:   sysroot,
		},
		Runner:    runner,
		Artifacts: artifact.NewClient(),
		DNFVars: &repo.DNFVariables{
			Path: filepath.Join(sysroot, "etc/dnf/vars"),
		},
	}
	e.downloadSymlink = filepath.Join(sysroot, "system-update")

	return e, runner, sysroot
}

func readVar(t *testing.T, e *Executor, name string) string {
	t.Helper()
	value, ok := e.DNFVars.ReadVar(name)
	require.True(t, ok, "dnf variable %s", name)
	return value
}

func TestManageRepos(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	err := e.Run(plan.Plan{plan.ManageRepos{
		BaseURL:     "https://updates.example.com",
		ReleaseLine: "V2",
	}})
	require.NoError(t, err)

	assert.Equal(t, "V2", readVar(t, e, "strbo_release_line"))
	assert.Equal(t, "https://updates.example.com",
		readVar(t, e, "strbo_update_baseurl"))
	assert.Equal(t, "1", readVar(t, e, "strbo_base_enabled"))

	_, ok := e.DNFVars.ReadVar("strbo_flavor_enabled")
	assert.False(t, ok)
}

func TestManageReposEnableFlavor(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	err := e.Run(plan.Plan{plan.ManageRepos{
		BaseURL:      "https://updates.example.com",
		ReleaseLine:  "V2",
		EnableFlavor: "beta",
	}})
	require.NoError(t, err)

	assert.Equal(t, "beta", readVar(t, e, "strbo_flavor"))
	assert.Equal(t, "1", readVar(t, e, "strbo_flavor_enabled"))
}

func TestManageReposDisableFlavor(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	err := e.Run(plan.Plan{plan.ManageRepos{
		BaseURL:       "https://updates.example.com",
		ReleaseLine:   "V2",
		DisableFlavor: "beta",
	}})
	require.NoError(t, err)

	assert.Equal(t, "0", readVar(t, e, "strbo_flavor_enabled"))
	_, ok := e.DNFVars.ReadVar("strbo_flavor")
	assert.False(t, ok)
}

func TestNopAndUnknownStepsDoNotFail(t *testing.T) {
	e, runner, _ := newTestExecutor(t)

	err := e.Run(plan.Plan{
		plan.Nop{OriginalUpdataVersion: "0.9.3"},
		plan.Nop{},
		plan.UnknownStep{ActionName: "quantum-entangle",
			Raw: json.RawMessage(`{"action": "quantum-entangle"}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, runner.commands)
}

func TestRebootSystem(t *testing.T) {
	e, runner, _ := newTestExecutor(t)

	err := e.Run(plan.Plan{plan.RebootSystem{}})
	require.NoError(t, err)

	require.Len(t, runner.commands, 1)
	assert.Equal(t, []string{"systemctl", "isolate", "reboot.target"},
		runner.commands[0])
}

func TestRebootSystemAvoided(t *testing.T) {
	e, runner, _ := newTestExecutor(t)
	e.Flags.AvoidReboot = true

	require.NoError(t, e.Run(plan.Plan{plan.RebootSystem{}}))
	assert.Empty(t, runner.commands)
}

func TestRebootSystemFailure(t *testing.T) {
	e, runner, _ := newTestExecutor(t)
	runner.handler = func(cmd []string, what string) ([]byte, error) {
		return nil, assert.AnError
	}

	err := e.Run(plan.Plan{plan.RebootSystem{}})
	assert.ErrorIs(t, err, ErrRebootFailed)
}

func TestDistroSync(t *testing.T) {
	e, runner, _ := newTestExecutor(t)

	require.NoError(t, e.Run(plan.Plan{plan.DNFDistroSync{}}))
	require.Len(t, runner.commands, 1)
	assert.Equal(t, []string{"dnf", "distro-sync", "--assumeyes"},
		runner.commands[0])
}

func TestRebootOnlySkipsEverythingButReboots(t *testing.T) {
	e, runner, _ := newTestExecutor(t)
	e.Flags.RebootOnly = true

	err := e.Run(plan.Plan{
		plan.ManageRepos{BaseURL: "u", ReleaseLine: "V2"},
		plan.DNFDistroSync{},
		plan.RebootSystem{},
	})
	require.NoError(t, err)

	require.Len(t, runner.commands, 1)
	assert.Equal(t, "systemctl", runner.commands[0][0])
	_, ok := e.DNFVars.ReadVar("strbo_base_enabled")
	assert.False(t, ok)
}

// restRecorder is an appliance REST API double with endpoint discovery.
type restRecorder struct {
	server   *httptest.Server
	requests []recordedRequest

	dataInfo     infoResponse
	systemInfo   infoResponse
	rebootStatus int
}

type recordedRequest struct {
	method string
	path   string
	body   string
}

func newRESTRecorder(t *testing.T) *restRecorder {
	t.Helper()

	rec := &restRecorder{rebootStatus: http.StatusOK}
	rec.dataInfo.Status.State = "valid"
	rec.systemInfo.Status.State = "valid"

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"_links": map[string]interface{}{
				"recovery_data": []map[string]string{
					{"name": "replace_system", "href": "/recovery/replace-system"},
					{"name": "verify_system", "href": "/recovery/verify-system"},
					{"name": "system_info", "href": "/recovery/system-info"},
					{"name": "replace_data", "href": "/recovery/replace-data"},
					{"name": "verify_data", "href": "/recovery/verify-data"},
					{"name": "data_info", "href": "/recovery/data-info"},
					{"name": "reboot_system", "href": "/recovery/reboot"},
				},
			},
		})
	})

	record := func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.requests = append(rec.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
		})
	}

	mux.HandleFunc("/recovery/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		switch r.URL.Path {
		case "/recovery/system-info":
			_ = json.NewEncoder(w).Encode(rec.systemInfo)
		case "/recovery/data-info":
			_ = json.NewEncoder(w).Encode(rec.dataInfo)
		case "/recovery/reboot":
			w.WriteHeader(rec.rebootStatus)
		}
	})

	rec.server = httptest.NewServer(mux)
	t.Cleanup(rec.server.Close)

	return rec
}

func (rec *restRecorder) paths() []string {
	var paths []string
	for _, r := range rec.requests {
		paths = append(paths, r.path)
	}
	return paths
}

func TestRunInstaller(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.systemInfo.VersionInfo.Number = "3.0.1"
	rec.systemInfo.VersionInfo.ReleaseLine = "V3"
	rec.systemInfo.VersionInfo.Flavor = "stable"

	err := e.Run(plan.Plan{plan.RunInstaller{
		RequestedLine:    "V3",
		RequestedVersion: "3.0.1",
		RequestedFlavor:  "stable",
		InstallerURL:     "https://updates.example.com/strbo-rsysimg-3-r1.bin",
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/recovery/replace-system",
		"/recovery/verify-system",
		"/recovery/system-info",
	}, rec.paths())

	assert.Contains(t, rec.requests[0].body,
		"dataurl=https%3A%2F%2Fupdates.example.com%2Fstrbo-rsysimg-3-r1.bin")
}

func TestRunInstallerInvalidSystem(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.systemInfo.Status.State = "broken"

	err := e.Run(plan.Plan{plan.RunInstaller{
		RequestedLine:    "V3",
		RequestedVersion: "3.0.1",
		RequestedFlavor:  "stable",
		InstallerURL:     "https://updates.example.com/strbo-rsysimg-3-r1.bin",
	}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRebootFailed)
}

func recoverStep() plan.RecoverSystem {
	return plan.RecoverSystem{
		RequestedLine:    "V3",
		RequestedVersion: "3.0.0",
		RequestedFlavor:  "stable",
		KeepUserData:     true,
		RecoveryDataURL: "https://updates.example.com/" +
			"strbo-update-V3.0.0.bin",
	}
}

func TestRecoverSystem(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.dataInfo.VersionInfo.Number = "V3.0.0"
	rec.dataInfo.VersionInfo.ReleaseLine = "V3"
	rec.dataInfo.VersionInfo.Flavor = "stable"

	err := e.Run(plan.Plan{recoverStep()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/recovery/replace-data",
		"/recovery/verify-data",
		"/recovery/data-info",
		"/recovery/reboot",
	}, rec.paths())

	var rebootBody map[string]interface{}
	require.NoError(t, json.Unmarshal(
		[]byte(rec.requests[3].body), &rebootBody))
	assert.Equal(t, true, rebootBody["keep_user_data"])
	assert.Contains(t, rebootBody["request"], "recover the system")
}

// Recovery data already holding the right version skips the replacement.
func TestRecoverSystemWithoutDataURL(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.dataInfo.VersionInfo.Number = "V3.0.0"
	rec.dataInfo.VersionInfo.ReleaseLine = "V3"
	rec.dataInfo.VersionInfo.Flavor = "stable"

	step := recoverStep()
	step.RecoveryDataURL = ""

	require.NoError(t, e.Run(plan.Plan{step}))
	assert.Equal(t, []string{
		"/recovery/verify-data",
		"/recovery/data-info",
		"/recovery/reboot",
	}, rec.paths())
}

func TestRecoverSystemVersionMismatch(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.dataInfo.VersionInfo.Number = "V2.9.9"
	rec.dataInfo.VersionInfo.ReleaseLine = "V3"
	rec.dataInfo.VersionInfo.Flavor = "stable"

	err := e.Run(plan.Plan{recoverStep()})
	require.Error(t, err)

	// the reboot must not have been requested
	assert.NotContains(t, rec.paths(), "/recovery/reboot")
}

func TestRecoverSystemRebootFailure(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	rec := newRESTRecorder(t)
	e.Flags.RESTAPIURL = rec.server.URL
	rec.dataInfo.VersionInfo.Number = "V3.0.0"
	rec.dataInfo.VersionInfo.ReleaseLine = "V3"
	rec.dataInfo.VersionInfo.Flavor = "stable"
	rec.rebootStatus = http.StatusInternalServerError

	err := e.Run(plan.Plan{recoverStep()})
	assert.ErrorIs(t, err, ErrRebootFailed)
}

func TestRecoverSystemConnectionError(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	e.Flags.RESTAPIURL = "http://127.0.0.1:1/v1"

	err := e.Run(plan.Plan{recoverStep()})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.NotErrorIs(t, err, ErrRebootFailed)
}

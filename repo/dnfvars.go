package repo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tplusa/updata/logger"
)

// DNFVariables reads and writes dnf's variable files, a flat directory of
// single-value text files. Recognized names are strbo_release_line,
// strbo_update_baseurl, strbo_base_enabled, strbo_flavor and
// strbo_flavor_enabled.
type DNFVariables struct {
	Path string
}

// ReadVar returns the trimmed content of a variable file. Missing files and
// permission problems are logged and reported as not present.
func (d *DNFVariables) ReadVar(name string) (string, bool) {
	if name == "" {
		return "", false
	}

	path := filepath.Join(d.Path, name)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return strings.TrimSpace(string(raw)), true
	case os.IsNotExist(err):
		logger.Errormsg("dnf variable %s not found", path)
	case os.IsPermission(err):
		logger.Errormsg("No permission to read dnf variable %s", path)
	default:
		logger.Errormsg("Failed reading dnf variable %s: %v", path, err)
	}

	return "", false
}

// WriteVar writes a variable file, creating it if needed. Nothing is written
// when the name or the value is empty; logFn, if given, receives the pair on
// every successful write. The returned flag tells whether a write happened.
func (d *DNFVariables) WriteVar(name, value string, logFn func(name, value string)) (bool, error) {
	if name == "" || value == "" {
		return false, nil
	}

	path := filepath.Join(d.Path, name)
	if err := os.WriteFile(path, []byte(value+"\n"), 0644); err != nil {
		return false, err
	}

	if logFn != nil {
		logFn(name, value)
	}

	return true, nil
}

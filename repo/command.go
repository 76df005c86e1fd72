package repo

import (
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/logger"
)

// sbinPath is prepended to PATH for commands that may live in sysadmin
// directories.
const sbinPath = "/usr/local/sbin:/usr/sbin:/sbin"

// Runner runs external commands. The executor and the recovery-system reader
// consume this interface so tests can substitute their own transport.
type Runner interface {
	// Run executes the command and returns its stdout. The what string
	// names the command in log messages; needSbinInPath injects the sbin
	// directories into PATH for the child process.
	Run(cmd []string, what string, needSbinInPath bool) ([]byte, error)
}

// CommandRunner executes commands as subprocesses. Sudo prefixing is a
// capability toggled once at construction; in test mode commands are logged
// instead of executed and TestOutput is returned.
type CommandRunner struct {
	Sudo       bool
	TestMode   bool
	TestOutput []byte
}

func (r *CommandRunner) Run(cmd []string, what string, needSbinInPath bool) ([]byte, error) {
	if r.TestMode {
		suffix := ""
		if what != "" {
			suffix = " [" + what + "]"
		}
		logger.Log("TEST MODE: Would execute \"%s\"%s",
			strings.Join(cmd, " "), suffix)
		return r.TestOutput, nil
	}

	if r.Sudo {
		cmd = append([]string{"sudo"}, cmd...)
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	if needSbinInPath {
		c.Env = append(os.Environ(), "PATH="+sbinPath+":"+os.Getenv("PATH"))
	}

	var stdout, stderr strings.Builder
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if err == nil {
		return []byte(stdout.String()), nil
	}

	if what == "" {
		what = strings.Join(cmd, " ")
	}

	logger.Errormsg("Command \"%s\" FAILED: %s", what, stderr.String())
	logger.Errormsg("Failed command's stdout: %s", stdout.String())

	return nil, errors.Wrapf(err,
		"command %q failed\nSTDERR: %s\nSTDOUT: %s",
		what, stderr.String(), stdout.String())
}

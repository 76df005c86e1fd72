package repo

import (
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/logger"
)

// RunAsUser drops the process privileges to the given account when the
// current effective uid or gid differs. Both the planner and the executor
// call it outside test mode; the executor then reaches the package manager
// and reboots through its sudo-prefixed command runner.
func RunAsUser(name string) error {
	pw, err := user.Lookup(name)
	if err != nil {
		logger.Errormsg("User %q does not exist", name)
		return errors.Wrapf(err, "user %q", name)
	}

	uid, err := strconv.Atoi(pw.Uid)
	if err != nil {
		return errors.Wrapf(err, "uid of user %q", name)
	}
	gid, err := strconv.Atoi(pw.Gid)
	if err != nil {
		return errors.Wrapf(err, "gid of user %q", name)
	}

	if os.Geteuid() == uid && os.Getegid() == gid {
		return nil
	}

	if err := syscall.Setgid(gid); err != nil {
		logger.Errormsg("Failed to run as user %q: %v", name, err)
		return errors.Wrapf(err, "setgid %d", gid)
	}
	if err := syscall.Setuid(uid); err != nil {
		logger.Errormsg("Failed to run as user %q: %v", name, err)
		return errors.Wrapf(err, "setuid %d", uid)
	}

	logger.Log("Running as user %s", name)
	return nil
}

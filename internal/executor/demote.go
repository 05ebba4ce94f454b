package executor

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Account is the subset of a passwd entry needed to run as another user.
type Account struct {
	Name   string
	UID    uint32
	GID    uint32
	Groups []uint32
	Home   string
}

// ErrUnknownAccount is returned by LookupAccount when no such user exists.
var ErrUnknownAccount = errors.New("unknown account")

// Injectable for tests, so that demotion paths can run without root.
var (
	geteuidFunc    = os.Geteuid
	lookupUserFunc = LookupAccount
)

// LookupAccount resolves a user name through the system user database.
func LookupAccount(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
		}
		return nil, fmt.Errorf("lookup user %s: %w", name, err)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	acct := &Account{
		Name: name,
		UID:  uint32(uid),
		GID:  uint32(gid),
		Home: u.HomeDir,
	}

	// Supplementary groups are best effort; the primary group is enough to run.
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			g, err := strconv.ParseUint(id, 10, 32)
			if err != nil || uint32(g) == acct.GID {
				continue
			}
			acct.Groups = append(acct.Groups, uint32(g))
		}
	}
	return acct, nil
}

// demote configures attr so that the forked child switches to acct before
// exec. The runtime applies setgroups, setgid and setuid in that order inside
// the child; the parent's identity is never changed.
func demote(attr *syscall.SysProcAttr, acct *Account) {
	groups := acct.Groups
	if groups == nil {
		groups = []uint32{}
	}
	attr.Credential = &syscall.Credential{
		Uid:    acct.UID,
		Gid:    acct.GID,
		Groups: groups,
	}
}

// buildEnvironment returns the child environment: the inherited
// environment, with HOME/USER/LOGNAME rewritten for acct when set, and extra
// merged on top.
func buildEnvironment(base []string, acct *Account, extra map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(extra)+3)
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		envMap[k] = v
	}

	if acct != nil {
		envMap["HOME"] = acct.Home
		envMap["USER"] = acct.Name
		envMap["LOGNAME"] = acct.Name
	}

	for k, v := range extra {
		envMap[k] = v
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// vibe80-runas is the privileged launch helper. The orchestrator (running as
// root) invokes it to start every child process that acts on a workspace's
// behalf: it unshares mount (and optionally network) namespaces, masks
// credential paths, remounts read-only paths, drops to the workspace's
// (uid, gid), replaces the environment with the explicit --env set, and
// execs the target command. Because it execs, the child keeps this pid:
// signals reach it directly and its exit code is the process exit code.
//
// Usage:
//
//	vibe80-runas --uid N --gid N --dir DIR [--write P]... [--read P]...
//	             [--deny-network] [--mask P]... [--env K=V]... -- ARGV...
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Setup failures exit with 125 so they are distinguishable from the child's
// own exit codes. 126/127 mirror the shell conventions for "found but not
// executable" and "not found".
const (
	exitSetupFailed = 125
	exitNotRunnable = 126
	exitNotFound    = 127
)

type options struct {
	uid         int
	gid         int
	dir         string
	writePaths  []string
	readPaths   []string
	denyNetwork bool
	maskPaths   []string
	env         []string
}

func main() {
	opts, argv, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibe80-runas: %v\n", err)
		os.Exit(exitSetupFailed)
	}

	if err := isolate(opts); err != nil {
		fmt.Fprintf(os.Stderr, "vibe80-runas: %v\n", err)
		os.Exit(exitSetupFailed)
	}

	path, err := resolveBinary(argv[0], opts.env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibe80-runas: %v\n", err)
		os.Exit(exitNotFound)
	}
	if err := unix.Exec(path, argv, opts.env); err != nil {
		fmt.Fprintf(os.Stderr, "vibe80-runas: exec %s: %v\n", path, err)
		os.Exit(exitNotRunnable)
	}
}

func parseArgs(args []string) (*options, []string, error) {
	opts := &options{uid: -1, gid: -1}
	var argv []string

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			argv = args[i+1:]
			break
		}
		if arg == "--deny-network" {
			opts.denyNetwork = true
			continue
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("flag %s requires a value", arg)
		}
		value := args[i+1]
		i++
		switch arg {
		case "--uid":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, nil, fmt.Errorf("invalid uid %q", value)
			}
			opts.uid = n
		case "--gid":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, nil, fmt.Errorf("invalid gid %q", value)
			}
			opts.gid = n
		case "--dir":
			opts.dir = value
		case "--write":
			opts.writePaths = append(opts.writePaths, value)
		case "--read":
			opts.readPaths = append(opts.readPaths, value)
		case "--mask":
			opts.maskPaths = append(opts.maskPaths, value)
		case "--env":
			if !strings.Contains(value, "=") {
				return nil, nil, fmt.Errorf("invalid env entry %q", value)
			}
			opts.env = append(opts.env, value)
		default:
			return nil, nil, fmt.Errorf("unknown flag %s", arg)
		}
	}

	if opts.uid < 0 || opts.gid < 0 {
		return nil, nil, fmt.Errorf("--uid and --gid are required")
	}
	if opts.dir == "" {
		return nil, nil, fmt.Errorf("--dir is required")
	}
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("no command after --")
	}
	return opts, argv, nil
}

// isolate applies namespaces and mounts while still privileged, then drops
// to the target identity. Write paths need no action: directory ownership
// already limits writes to the workspace's own tree.
func isolate(opts *options) error {
	// Namespace syscalls act on the calling thread; pin it. The thread
	// stays pinned through the final exec.
	runtime.LockOSThread()

	flags := unix.CLONE_NEWNS
	if opts.denyNetwork {
		flags |= unix.CLONE_NEWNET
	}
	if err := unix.Unshare(flags); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}

	// Keep mount changes out of the host namespace.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remount / private: %w", err)
	}

	for _, p := range opts.maskPaths {
		if err := maskPath(p); err != nil {
			return err
		}
	}
	for _, p := range opts.readPaths {
		if err := remountReadOnly(p); err != nil {
			return err
		}
	}

	if err := unix.Setgroups([]int{opts.gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(opts.gid); err != nil {
		return fmt.Errorf("setgid %d: %w", opts.gid, err)
	}
	if err := unix.Setuid(opts.uid); err != nil {
		return fmt.Errorf("setuid %d: %w", opts.uid, err)
	}

	if err := unix.Chdir(opts.dir); err != nil {
		return fmt.Errorf("chdir %s: %w", opts.dir, err)
	}
	return nil
}

// maskPath hides p from the child: a masked file reads back empty, a masked
// directory reads back vacant. A path that does not exist needs no mask.
func maskPath(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat mask path %s: %w", p, err)
	}
	if info.IsDir() {
		if err := unix.Mount("tmpfs", p, "tmpfs", unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, "size=4k,mode=0755"); err != nil {
			return fmt.Errorf("mask dir %s: %w", p, err)
		}
		return nil
	}
	if err := unix.Mount("/dev/null", p, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("mask file %s: %w", p, err)
	}
	return nil
}

func remountReadOnly(p string) error {
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat read path %s: %w", p, err)
	}
	if err := unix.Mount(p, p, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", p, err)
	}
	if err := unix.Mount("", p, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", p, err)
	}
	return nil
}

// resolveBinary finds the executable using the child's PATH, not the
// helper's (the helper runs with an empty host environment).
func resolveBinary(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	var pathVar string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVar = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("command not found: %s", name)
}

package builder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fenceline/jailrun/internal/errs"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// passwdEntry is the subset of an /etc/passwd line builder cares about.
type passwdEntry struct {
	uid uint32
	gid uint32
}

// ResolveUser implements spec.md §4.4.3 and §8's "user parse round-trip"
// law: a purely numeric "uid", "uid:gid" never touches the rootfs's
// /etc/passwd or /etc/group. Name tokens are resolved against those
// files, per original_source's split of parsing from lookup
// (baustelle/src/runtime_config/user.rs, unix_user.rs).
func ResolveUser(userString, rootfsDir string) (uid uint32, gid uint32, err error) {
	if userString == "" {
		return 0, 0, nil
	}

	userTok, groupTok, hasGroup, err := parseUserString(userString)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing user string %q: %w", userString, err)
	}

	if hasGroup {
		return resolvePair(userTok, groupTok, rootfsDir)
	}
	return resolveSingle(userTok, rootfsDir)
}

// parseUserString splits "uid:gid | uid:group | user:gid | user:group |
// user | uid" into its tokens without resolving anything.
func parseUserString(s string) (userTok, groupTok string, hasGroup bool, err error) {
	parts := strings.SplitN(s, ":", 2)
	userTok = parts[0]
	if !identifierRe.MatchString(userTok) {
		return "", "", false, fmt.Errorf("invalid user token %q: %w", userTok, errs.ErrUserResolution)
	}
	if len(parts) == 1 {
		return userTok, "", false, nil
	}
	groupTok = parts[1]
	if !identifierRe.MatchString(groupTok) {
		return "", "", false, fmt.Errorf("invalid group token %q: %w", groupTok, errs.ErrUserResolution)
	}
	return userTok, groupTok, true, nil
}

func resolveSingle(tok, rootfsDir string) (uint32, uint32, error) {
	if n, ok := parseNumeric(tok); ok {
		return n, 0, nil
	}
	entry, err := lookupPasswd(rootfsDir, tok)
	if err != nil {
		return 0, 0, err
	}
	return entry.uid, entry.gid, nil
}

func resolvePair(userTok, groupTok, rootfsDir string) (uint32, uint32, error) {
	var uid, gid uint32

	if n, ok := parseNumeric(userTok); ok {
		uid = n
	} else {
		entry, err := lookupPasswd(rootfsDir, userTok)
		if err != nil {
			return 0, 0, err
		}
		uid = entry.uid
	}

	if n, ok := parseNumeric(groupTok); ok {
		gid = n
	} else {
		g, err := lookupGroup(rootfsDir, groupTok)
		if err != nil {
			return 0, 0, err
		}
		gid = g
	}

	return uid, gid, nil
}

func parseNumeric(tok string) (uint32, bool) {
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// lookupPasswd finds name in <rootfs>/etc/passwd: "name:passwd:uid:gid:gecos:home:shell".
func lookupPasswd(rootfsDir, name string) (passwdEntry, error) {
	f, err := os.Open(filepath.Join(rootfsDir, "etc", "passwd"))
	if err != nil {
		return passwdEntry{}, fmt.Errorf("opening /etc/passwd: %w: %w", errs.ErrUserResolution, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] != name {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			continue
		}
		return passwdEntry{uid: uint32(uid), gid: uint32(gid)}, nil
	}
	return passwdEntry{}, fmt.Errorf("user %q: %w", name, errs.ErrUserResolution)
}

// lookupGroup finds name in <rootfs>/etc/group: "name:passwd:gid:members".
func lookupGroup(rootfsDir, name string) (uint32, error) {
	f, err := os.Open(filepath.Join(rootfsDir, "etc", "group"))
	if err != nil {
		return 0, fmt.Errorf("opening /etc/group: %w: %w", errs.ErrUserResolution, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] != name {
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		return uint32(gid), nil
	}
	return 0, fmt.Errorf("group %q: %w", name, errs.ErrUserResolution)
}

package remote

import (
	"bufio"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Family is the package-management lineage of a host.
type Family int

const (
	FamilyUnsupported Family = iota
	FamilyRPM
	FamilyDebian
	FamilySUSE
)

func (f Family) String() string {
	switch f {
	case FamilyRPM:
		return "rpm-based"
	case FamilyDebian:
		return "debian-based"
	case FamilySUSE:
		return "suse-based"
	}
	return "unsupported"
}

var distroFamilies = map[string]Family{
	"rhel": FamilyRPM, "centos": FamilyRPM, "fedora": FamilyRPM, "rocky": FamilyRPM,
	"almalinux": FamilyRPM, "ol": FamilyRPM, "amzn": FamilyRPM, "rpm": FamilyRPM,
	"rpm-based": FamilyRPM,
	"debian": FamilyDebian, "ubuntu": FamilyDebian, "debian-based": FamilyDebian,
	"sles": FamilySUSE, "sled": FamilySUSE, "suse": FamilySUSE, "opensuse": FamilySUSE,
	"opensuse-leap": FamilySUSE, "opensuse-tumbleweed": FamilySUSE, "suse-based": FamilySUSE,
}

// ParseFamily maps a distro id or family name to a Family.
func ParseFamily(s string) Family {
	return distroFamilies[strings.ToLower(strings.TrimSpace(s))]
}

// osReleaseCommand reads the distro identification file.
const osReleaseCommand = "cat /etc/os-release"

// FamilyFromOSRelease classifies /etc/os-release content. ID wins over ID_LIKE.
func FamilyFromOSRelease(content string) (Family, string) {
	fields := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if words, err := shellquote.Split(val); err == nil && len(words) > 0 {
			val = strings.Join(words, " ")
		}
		fields[key] = val
	}

	id := fields["ID"]
	if f := ParseFamily(id); f != FamilyUnsupported {
		return f, id
	}
	for _, like := range strings.Fields(fields["ID_LIKE"]) {
		if f := ParseFamily(like); f != FamilyUnsupported {
			return f, id
		}
	}
	return FamilyUnsupported, id
}

// Adapter holds the commands for one Family.
type Adapter interface {
	Family() Family
	PatchCommand() string
	// PatchSucceeded interprets the patch command's exit status.
	PatchSucceeded(CommandResult) bool
	RebootSignalCommand() string
	// RebootRequired interprets the signal command. known is false when the signal
	// is unavailable on the host.
	RebootRequired(CommandResult) (required, known bool)
	HealthCommand() string
	HealthOK(CommandResult) bool
	// RollbackCommand is empty when the family cannot roll back.
	RollbackCommand() string
}

// Registry maps families to adapters.
type Registry struct {
	adapters map[Family]Adapter
}

// NewRegistry returns a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Family]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// DefaultRegistry covers RPM, Debian and SUSE hosts.
func DefaultRegistry() *Registry {
	return NewRegistry(rpmAdapter{}, debianAdapter{}, suseAdapter{})
}

// Register adds or replaces the adapter for a.Family().
func (r *Registry) Register(a Adapter) { r.adapters[a.Family()] = a }

// Lookup returns the adapter for f.
func (r *Registry) Lookup(f Family) (Adapter, bool) {
	a, ok := r.adapters[f]
	return a, ok
}

func join(args ...string) string { return shellquote.Join(args...) }

type rpmAdapter struct{}

func (rpmAdapter) Family() Family                      { return FamilyRPM }
func (rpmAdapter) PatchCommand() string                { return join("yum", "-y", "-q", "update") }
func (rpmAdapter) PatchSucceeded(r CommandResult) bool { return r.OK() }
func (rpmAdapter) RebootSignalCommand() string         { return join("needs-restarting", "-r") }
func (rpmAdapter) HealthCommand() string               { return join("yum", "-q", "check") }
func (rpmAdapter) HealthOK(r CommandResult) bool       { return r.OK() }
func (rpmAdapter) RollbackCommand() string             { return join("yum", "-y", "history", "undo", "last") }

// needs-restarting -r exits 1 when a reboot is required.
func (rpmAdapter) RebootRequired(r CommandResult) (bool, bool) {
	switch r.ExitCode {
	case 0:
		return false, true
	case 1:
		return true, true
	}
	return false, false
}

type debianAdapter struct{}

func (debianAdapter) Family() Family { return FamilyDebian }

func (debianAdapter) PatchCommand() string {
	env := join("env", "DEBIAN_FRONTEND=noninteractive")
	return env + " " + join("apt-get", "-q", "update") + " && " +
		env + " " + join("apt-get", "-q", "-y", "-o", "Dpkg::Options::=--force-confold", "upgrade")
}

func (debianAdapter) PatchSucceeded(r CommandResult) bool { return r.OK() }
func (debianAdapter) RebootSignalCommand() string         { return join("test", "-f", "/var/run/reboot-required") }
func (debianAdapter) HealthCommand() string               { return join("dpkg", "--audit") }
func (debianAdapter) RollbackCommand() string             { return "" }

// dpkg --audit prints nothing for a consistent package database.
func (debianAdapter) HealthOK(r CommandResult) bool {
	return r.OK() && strings.TrimSpace(r.Stdout) == ""
}

func (debianAdapter) RebootRequired(r CommandResult) (bool, bool) {
	switch r.ExitCode {
	case 0:
		return true, true
	case 1:
		return false, true
	}
	return false, false
}

type suseAdapter struct{}

func (suseAdapter) Family() Family       { return FamilySUSE }
func (suseAdapter) PatchCommand() string { return join("zypper", "--non-interactive", "patch") }
func (suseAdapter) RebootSignalCommand() string {
	return join("zypper", "needs-rebooting")
}
func (suseAdapter) HealthCommand() string {
	return join("zypper", "--non-interactive", "verify", "--dry-run")
}
func (suseAdapter) HealthOK(r CommandResult) bool { return r.OK() }
func (suseAdapter) RollbackCommand() string       { return join("snapper", "rollback") }

// zypper uses 100-103 for informational exits (updates pending, reboot needed).
func (suseAdapter) PatchSucceeded(r CommandResult) bool {
	return r.ExitCode == 0 || (r.ExitCode >= 100 && r.ExitCode <= 103)
}

func (suseAdapter) RebootRequired(r CommandResult) (bool, bool) {
	switch r.ExitCode {
	case 0:
		return false, true
	case 102:
		return true, true
	}
	return false, false
}

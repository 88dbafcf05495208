package remote

import (
	"context"
	"strings"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// FixResult reports what a vendor plugin did.
type FixResult struct {
	Changed bool
	Detail  string
}

// VendorPlugin corrects a known hardware condition before patching. A plugin
// failure never blocks the patch; it is surfaced as an escalation.
type VendorPlugin interface {
	Name() string
	Applies(ctx context.Context, r Runner, t models.Target) (bool, error)
	CheckAndFix(ctx context.Context, r Runner, t models.Target) (FixResult, error)
}

// BootOrderPlugin keeps the currently booted UEFI entry first in BootOrder,
// so the post-patch reboot comes back on the same disk. It applies to UEFI
// hosts whose DMI vendor matches one of Vendors (all vendors when empty).
type BootOrderPlugin struct {
	Vendors []string
}

func (BootOrderPlugin) Name() string { return "boot-order" }

func (p BootOrderPlugin) Applies(ctx context.Context, r Runner, t models.Target) (bool, error) {
	res, _, err := r.Run(ctx, t, join("test", "-d", "/sys/firmware/efi"))
	if err != nil {
		return false, err
	}
	if !res.OK() {
		return false, nil
	}
	if len(p.Vendors) == 0 {
		return true, nil
	}
	res, _, err = r.Run(ctx, t, join("cat", "/sys/class/dmi/id/sys_vendor"))
	if err != nil {
		return false, err
	}
	vendor := strings.ToLower(strings.TrimSpace(res.Stdout))
	for _, v := range p.Vendors {
		if v != "" && strings.Contains(vendor, strings.ToLower(v)) {
			return true, nil
		}
	}
	return false, nil
}

func (p BootOrderPlugin) CheckAndFix(ctx context.Context, r Runner, t models.Target) (FixResult, error) {
	current, order, err := p.read(ctx, r, t)
	if err != nil {
		return FixResult{}, err
	}
	if len(order) > 0 && order[0] == current {
		return FixResult{Detail: "boot entry " + current + " already first"}, nil
	}

	fixed := []string{current}
	for _, e := range order {
		if e != current {
			fixed = append(fixed, e)
		}
	}
	res, _, err := r.Run(ctx, t, join("efibootmgr", "-o", strings.Join(fixed, ",")))
	if err != nil {
		return FixResult{}, err
	}
	if !res.OK() {
		return FixResult{}, errors.Mark(
			errors.Newf("efibootmgr -o exited %d: %s", res.ExitCode, tail(strings.TrimSpace(res.Stderr), 256)),
			errors.ErrCommandFailed)
	}

	// re-read to confirm the firmware kept the change
	_, order, err = p.read(ctx, r, t)
	if err != nil {
		return FixResult{}, err
	}
	if len(order) == 0 || order[0] != current {
		return FixResult{}, errors.Mark(
			errors.Newf("boot order %s did not persist, firmware reports %s", strings.Join(fixed, ","), strings.Join(order, ",")),
			errors.ErrValidationFailed)
	}
	return FixResult{Changed: true, Detail: "boot order set to " + strings.Join(fixed, ",")}, nil
}

func (p BootOrderPlugin) read(ctx context.Context, r Runner, t models.Target) (string, []string, error) {
	res, _, err := r.Run(ctx, t, "efibootmgr")
	if err != nil {
		return "", nil, err
	}
	if !res.OK() {
		return "", nil, errors.Mark(errors.Newf("efibootmgr exited %d", res.ExitCode), errors.ErrCommandFailed)
	}
	current, order := parseEFIBootMgr(res.Stdout)
	if current == "" {
		return "", nil, errors.Mark(errors.New("efibootmgr reported no BootCurrent"), errors.ErrCommandFailed)
	}
	return current, order, nil
}

func parseEFIBootMgr(out string) (current string, order []string) {
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "BootCurrent":
			current = val
		case "BootOrder":
			for _, e := range strings.Split(val, ",") {
				if e = strings.TrimSpace(e); e != "" {
					order = append(order, e)
				}
			}
		}
	}
	return current, order
}

package main

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// fleetFile is the YAML inventory accepted by `patchctl import`.
//
//	defaults:
//	  host_group: web
//	  timezone: Europe/Berlin
//	servers:
//	  - name: web01
//	    address: 10.0.0.11
//	    owners: [ops@example.com]
type fleetFile struct {
	Defaults fleetServer   `yaml:"defaults"`
	Servers  []fleetServer `yaml:"servers"`
}

type fleetServer struct {
	Name      string            `yaml:"name"`
	HostGroup string            `yaml:"host_group"`
	OSFamily  string            `yaml:"os_family"`
	Timezone  string            `yaml:"timezone"`
	Owners    []string          `yaml:"owners"`
	Address   string            `yaml:"address"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Earliest  string            `yaml:"earliest"`
	Latest    string            `yaml:"latest"`
	Metadata  map[string]string `yaml:"metadata"`
}

func loadFleet(path string) ([]*models.ServerRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fleet file")
	}
	return parseFleet(raw)
}

// parseFleet decodes a fleet file strictly; unknown keys are errors.
func parseFleet(raw []byte) ([]*models.ServerRecord, error) {
	var f fleetFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse fleet file"), errors.ErrValidationFailed)
	}
	if len(f.Servers) == 0 {
		return nil, errors.Wrap(errors.ErrValidationFailed, "fleet file lists no servers")
	}

	d := f.Defaults
	out := make([]*models.ServerRecord, 0, len(f.Servers))
	for i, s := range f.Servers {
		if s.Name == "" {
			return nil, errors.Wrapf(errors.ErrValidationFailed, "servers[%d]: name is required", i)
		}
		rec := &models.ServerRecord{
			Name:      s.Name,
			HostGroup: or(s.HostGroup, d.HostGroup),
			OSFamily:  or(s.OSFamily, d.OSFamily),
			Timezone:  or(s.Timezone, d.Timezone),
			Address:   s.Address,
			User:      or(s.User, d.User),
			Earliest:  or(s.Earliest, d.Earliest),
			Latest:    or(s.Latest, d.Latest),
			Port:      s.Port,
			Owners:    s.Owners,
		}
		if rec.Port == 0 {
			rec.Port = d.Port
		}
		if len(rec.Owners) == 0 {
			rec.Owners = d.Owners
		}
		if len(d.Metadata)+len(s.Metadata) > 0 {
			rec.Metadata = make(map[string]string, len(d.Metadata)+len(s.Metadata))
			for k, v := range d.Metadata {
				rec.Metadata[k] = v
			}
			for k, v := range s.Metadata {
				rec.Metadata[k] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pvmutils

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/confidential-containers/pviommu/virtiommu"
	"github.com/confidential-containers/pviommu/virtiommu/device/config"
	"github.com/confidential-containers/pviommu/virtiommu/iommu"
	"github.com/confidential-containers/pviommu/virtiommu/route"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

// The TOML configuration file describes the static passthrough topology:
// the physical IOMMU instances, the device table built at boot, and the
// per-VM routing limits. Addresses are strings so they can be written in
// hex; sizes accept human units ("64Ki").
//
//	[limits]
//	max_viommus = 8
//	max_sids_per_viommu = 64
//
//	[tracing]
//	enable = false
//
//	[[iommu]]
//	id = 0
//	page_size_bitmap = "0x1000"
//
//	[[device]]
//	name = "0000:01:00.0"
//	group = 1
//	dma_token_lo = "0x0123456789abcdef"
//	dma_token_hi = "0xfedcba9876543210"
//
//	  [[device.resource]]
//	  base = "0xe0000000"
//	  size = "64Ki"
//
//	  [[device.endpoint]]
//	  iommu = 0
//	  sid = 4

type tomlConfig struct {
	Limits  limits
	Tracing tracing
	IOMMU   []tomlIOMMU  `toml:"iommu"`
	Device  []tomlDevice `toml:"device"`
}

type limits struct {
	MaxVIOMMUs       int `toml:"max_viommus"`
	MaxSIDsPerVIOMMU int `toml:"max_sids_per_viommu"`
}

type tracing struct {
	Enable         bool   `toml:"enable"`
	JaegerEndpoint string `toml:"jaeger_endpoint"`
	JaegerUser     string `toml:"jaeger_user"`
	JaegerPassword string `toml:"jaeger_password"`
}

type tomlIOMMU struct {
	ID             uint32 `toml:"id"`
	PageSizeBitmap string `toml:"page_size_bitmap"`
}

type tomlDevice struct {
	Name       string         `toml:"name"`
	Group      uint32         `toml:"group"`
	DMATokenLo string         `toml:"dma_token_lo"`
	DMATokenHi string         `toml:"dma_token_hi"`
	Resource   []tomlResource `toml:"resource"`
	Endpoint   []tomlEndpoint `toml:"endpoint"`
}

type tomlResource struct {
	Base string `toml:"base"`
	Size string `toml:"size"`
}

type tomlEndpoint struct {
	IOMMU uint32 `toml:"iommu"`
	SID   uint32 `toml:"sid"`
}

// RuntimeConfig is the parsed, validated static topology.
type RuntimeConfig struct {
	MaxVIOMMUs       int
	MaxSIDsPerVIOMMU int

	TracingEnabled bool
	JaegerEndpoint string
	JaegerUser     string
	JaegerPassword string

	IOMMUs  []iommu.PhysicalIOMMU
	Devices []config.DeviceInfo
}

// LoadConfiguration parses and validates a pviommu.toml.
func LoadConfiguration(path string) (RuntimeConfig, error) {
	var tc tomlConfig
	resolved := RuntimeConfig{
		MaxVIOMMUs:       route.MaxVIOMMUs,
		MaxSIDsPerVIOMMU: route.MaxSIDsPerVIOMMU,
	}

	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return RuntimeConfig{}, errors.Wrapf(err, "load configuration %s", path)
	}

	if tc.Limits.MaxVIOMMUs > 0 {
		resolved.MaxVIOMMUs = tc.Limits.MaxVIOMMUs
	}
	if tc.Limits.MaxSIDsPerVIOMMU > 0 {
		resolved.MaxSIDsPerVIOMMU = tc.Limits.MaxSIDsPerVIOMMU
	}

	resolved.TracingEnabled = tc.Tracing.Enable
	resolved.JaegerEndpoint = tc.Tracing.JaegerEndpoint
	resolved.JaegerUser = tc.Tracing.JaegerUser
	resolved.JaegerPassword = tc.Tracing.JaegerPassword

	for _, ti := range tc.IOMMU {
		bitmap := uint64(types.PageSize)
		if ti.PageSizeBitmap != "" {
			v, err := parseUint(ti.PageSizeBitmap)
			if err != nil {
				return RuntimeConfig{}, errors.Wrapf(err, "iommu %d page_size_bitmap", ti.ID)
			}
			bitmap = v
		}
		for _, existing := range resolved.IOMMUs {
			if existing.ID == ti.ID {
				return RuntimeConfig{}, fmt.Errorf("iommu %d declared twice", ti.ID)
			}
		}
		resolved.IOMMUs = append(resolved.IOMMUs, iommu.PhysicalIOMMU{
			ID:             ti.ID,
			PageSizeBitmap: bitmap,
		})
	}

	for _, td := range tc.Device {
		info, err := resolveDevice(td, resolved.IOMMUs)
		if err != nil {
			return RuntimeConfig{}, err
		}
		resolved.Devices = append(resolved.Devices, info)
	}

	return resolved, nil
}

func resolveDevice(td tomlDevice, iommus []iommu.PhysicalIOMMU) (config.DeviceInfo, error) {
	info := config.DeviceInfo{
		Name:    td.Name,
		GroupID: td.Group,
	}

	for i, token := range []string{td.DMATokenLo, td.DMATokenHi} {
		if token == "" {
			continue
		}
		v, err := parseUint(token)
		if err != nil {
			return config.DeviceInfo{}, errors.Wrapf(err, "device %s dma token", td.Name)
		}
		info.DMAToken[i] = v
	}

	for _, tr := range td.Resource {
		base, err := parseUint(tr.Base)
		if err != nil {
			return config.DeviceInfo{}, errors.Wrapf(err, "device %s resource base", td.Name)
		}
		size, err := units.RAMInBytes(tr.Size)
		if err != nil {
			return config.DeviceInfo{}, errors.Wrapf(err, "device %s resource size", td.Name)
		}
		info.Resources = append(info.Resources, config.MMIORange{
			Base: base,
			Size: uint64(size),
		})
	}

	for _, te := range td.Endpoint {
		found := false
		for _, pi := range iommus {
			if pi.ID == te.IOMMU {
				found = true
				break
			}
		}
		if !found {
			return config.DeviceInfo{}, fmt.Errorf("device %s endpoint references undeclared iommu %d",
				td.Name, te.IOMMU)
		}
		info.Endpoints = append(info.Endpoints, config.Endpoint{
			IOMMUID: te.IOMMU,
			SID:     te.SID,
		})
	}

	if err := info.Validate(); err != nil {
		return config.DeviceInfo{}, err
	}
	return info, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// RegisterDevices feeds the configured device table into a live core.
// Called once at boot, after the IOMMU driver has come up.
func (rc RuntimeConfig) RegisterDevices(p *virtiommu.PVIOMMU) error {
	for _, info := range rc.Devices {
		if err := p.RegisterDevice(info); err != nil {
			return errors.Wrapf(err, "register device %s", info.Name)
		}
	}
	Logger().WithField("devices", len(rc.Devices)).Info("static device table registered")
	return nil
}

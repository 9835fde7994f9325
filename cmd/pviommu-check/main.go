// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/confidential-containers/pviommu/pkg/pvmutils"
)

const (
	name    = "pviommu-check"
	version = "0.1.0"
)

// defaultConfigPath is where the static passthrough topology lives unless
// overridden with --config.
const defaultConfigPath = "/etc/pviommu/pviommu.toml"

var checkLog = logrus.WithField("name", name)

var usage = fmt.Sprintf(`%s validates a pvIOMMU static configuration.

It parses the passthrough topology (physical IOMMUs, device table, routing
limits), applies the same validation the hypervisor-side core applies at
boot, and prints the result.`, name)

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the pviommu TOML configuration",
			Value: defaultConfigPath,
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		pvmutils.SetLogger(checkLog)
		return nil
	}
	app.Commands = []cli.Command{
		checkCommand,
		envCommand,
	}

	if err := app.Run(os.Args); err != nil {
		checkLog.WithError(err).Error("check failed")
		os.Exit(1)
	}
}

var checkCommand = cli.Command{
	Name:  "check",
	Usage: "validate the configuration and dump the device table",
	Action: func(c *cli.Context) error {
		path := c.GlobalString("config")
		rc, err := pvmutils.LoadConfiguration(path)
		if err != nil {
			return err
		}

		fmt.Printf("configuration %s: OK\n", path)
		fmt.Printf("physical IOMMUs: %d\n", len(rc.IOMMUs))
		for _, pi := range rc.IOMMUs {
			fmt.Printf("  iommu %d: page sizes %#x\n", pi.ID, pi.PageSizeBitmap)
		}
		fmt.Printf("devices: %d\n", len(rc.Devices))
		for _, dev := range rc.Devices {
			fmt.Printf("  %s: group %d, %d MMIO pages, %d endpoints\n",
				dev.Name, dev.GroupID, dev.TotalPages(), len(dev.Endpoints))
			for _, ep := range dev.Endpoints {
				fmt.Printf("    endpoint: iommu %d sid %#x\n", ep.IOMMUID, ep.SID)
			}
		}
		return nil
	},
}

var envCommand = cli.Command{
	Name:  "env",
	Usage: "display the effective limits",
	Action: func(c *cli.Context) error {
		rc, err := pvmutils.LoadConfiguration(c.GlobalString("config"))
		if err != nil {
			return err
		}

		fmt.Printf("[limits]\n")
		fmt.Printf("max_viommus = %d\n", rc.MaxVIOMMUs)
		fmt.Printf("max_sids_per_viommu = %d\n", rc.MaxSIDsPerVIOMMU)
		fmt.Printf("\n[tracing]\n")
		fmt.Printf("enable = %v\n", rc.TracingEnabled)
		return nil
	},
}

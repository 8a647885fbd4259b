/*
Copyright 2026 The Caravel Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// caravel-scan inventories the VMware guests on one storage mount of a
// cluster node, without touching the queue. It reads the same config file
// as caraveld for the store and mount locations.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/types"
)

const (
	Name = "caravel-scan"

	defaultStorePath = "caravel.db"

	formatTable = "table"
	formatJSON  = "json"
)

var (
	errReadConfig  = errors.New("reading configuration file")
	errParseConfig = errors.New("parsing configuration")
	errScanTarget  = errors.New("no cluster or node given and no selection to fall back to")
	errFormat      = errors.New("format must be \"table\" or \"json\"")
)

// Config is the subset of the caraveld configuration this tool needs.
type Config struct {
	StorePath string `json:"storePath"`
	MountBase string `json:"mountBase"`
}

func loadConfig(path string) (*Config, error) {
	config := &Config{StorePath: defaultStorePath}

	if path == "" {
		return config, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, errReadConfig)
	}

	// Parse YAML (uses json tags).
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Join(err, errParseConfig)
	}

	if config.StorePath == "" {
		config.StorePath = defaultStorePath
	}

	return config, nil
}

func main() {
	app := &cli.App{
		Name:  Name,
		Usage: "inventory the VMware guests on a storage mount of a cluster node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "caraveld configuration file",
				EnvVars: []string{"CARAVEL_CONFIG"},
			},
			&cli.Int64Flag{
				Name:  "cluster",
				Usage: "cluster id to scan; defaults to the active selection",
			},
			&cli.StringFlag{
				Name:  "node",
				Usage: "node to scan through; defaults to the active selection",
			},
			&cli.StringFlag{
				Name:     "storage",
				Usage:    "storage (mount) name to scan",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format: table or json",
				Value: formatTable,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	format := c.String("format")
	if format != formatTable && format != formatJSON {
		return errFormat
	}

	config, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	store, err := adapter.NewStore(config.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	clusterID := c.Int64("cluster")
	node := c.String("node")

	if clusterID == 0 || node == "" {
		sel, err := store.SelectionRow(c.Context)
		if err != nil {
			return errors.Join(err, errScanTarget)
		}

		if clusterID == 0 {
			clusterID = sel.ClusterID
		}

		if node == "" {
			node = sel.Node
		}
	}

	scanner := controller.NewScanner(store, adapter.NewConnector(), config.MountBase)

	results, err := scanner.Scan(c.Context, clusterID, node, c.String("storage"))
	if err != nil {
		return err
	}

	if format == formatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(results)
	}

	return renderTable(os.Stdout, results)
}

// renderTable prints one line per guest with the figures an operator needs
// to pick enqueue targets.
func renderTable(w io.Writer, results []types.ScanResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "NAME\tCPUS\tMEMORY_MB\tFIRMWARE\tDISKS\tSIZE_GIB\tNICS\tPATH")

	for _, r := range results {
		firmware := "bios"
		if r.Firmware.UEFI {
			firmware = "uefi"
		}

		var sizeGiB int64
		for _, d := range r.Disks {
			sizeGiB += d.SizeGiB
		}

		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			r.Name, r.CPUs, r.MemoryMB, firmware,
			len(r.Disks), sizeGiB, len(r.Nics), r.Path,
		)
	}

	return tw.Flush()
}

// Command inspect prints human-readable summaries of persisted statesocket
// snapshots: state size, version and top-level keys of a file or bolt
// snapshot, and the backups kept next to it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/wricardo/mcp-training/statesocket/config"
	"github.com/wricardo/mcp-training/statesocket/persistence"
	"github.com/wricardo/mcp-training/statesocket/session"
)

// SnapshotReport summarizes one snapshot.
type SnapshotReport struct {
	Source  string   `json:"source"`
	Version int64    `json:"version"`
	Size    int      `json:"size"`
	Kind    string   `json:"kind"`
	Keys    []string `json:"keys,omitempty"`
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "inspect persisted statesocket snapshots",
		Commands: []*cli.Command{
			{
				Name:      "snapshot",
				Usage:     "summarize a snapshot file or bolt database",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "driver",
						Value: config.DriverFile,
						Usage: "snapshot format: file or bolt",
					},
					&cli.StringFlag{
						Name:  "key",
						Value: "main",
						Usage: "bolt key holding the snapshot",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print the report as JSON",
					},
				},
				Action: runSnapshot,
			},
			{
				Name:      "backups",
				Usage:     "list backups in a directory, newest first",
				ArgsUsage: "DIR",
				Action:    runBackups,
			},
		},
	}
}

func runSnapshot(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("snapshot path is required")
	}

	var (
		snap session.Snapshot
		err  error
	)
	switch cmd.String("driver") {
	case config.DriverFile:
		snap, err = persistence.ReadSnapshotFile(path)
	case config.DriverBolt:
		snap, err = persistence.ReadBoltSnapshot(path, cmd.String("key"))
	default:
		return fmt.Errorf("unknown driver %q", cmd.String("driver"))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	report, err := analyzeSnapshot(path, snap)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

func runBackups(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		return errors.New("backup directory is required")
	}

	backups, err := persistence.ListBackups(dir)
	if err != nil {
		return err
	}
	printBackups(cmd.Root().Writer, backups)
	return nil
}

// analyzeSnapshot describes the shape of snap's state.
func analyzeSnapshot(source string, snap session.Snapshot) (SnapshotReport, error) {
	report := SnapshotReport{
		Source:  source,
		Version: snap.Version,
		Size:    len(snap.State),
	}

	if snap.Empty() {
		report.Kind = "empty"
		return report, nil
	}

	var value interface{}
	if err := json.Unmarshal(snap.State, &value); err != nil {
		return report, fmt.Errorf("decode state: %w", err)
	}

	switch v := value.(type) {
	case map[string]interface{}:
		report.Kind = "object"
		for k := range v {
			report.Keys = append(report.Keys, k)
		}
		sort.Strings(report.Keys)
	case []interface{}:
		report.Kind = "array"
	case string:
		report.Kind = "string"
	case float64:
		report.Kind = "number"
	case bool:
		report.Kind = "boolean"
	default:
		report.Kind = "null"
	}
	return report, nil
}

func printReport(w io.Writer, r SnapshotReport) {
	fmt.Fprintf(w, "Source:  %s\n", r.Source)
	if r.Version == session.VersionDisabled {
		fmt.Fprintf(w, "Version: disabled\n")
	} else {
		fmt.Fprintf(w, "Version: %d\n", r.Version)
	}
	fmt.Fprintf(w, "Size:    %d bytes\n", r.Size)
	fmt.Fprintf(w, "Kind:    %s\n", r.Kind)
	if len(r.Keys) > 0 {
		fmt.Fprintf(w, "Keys (%d):\n", len(r.Keys))
		for _, k := range r.Keys {
			fmt.Fprintf(w, "  - %s\n", k)
		}
	}
}

func printBackups(w io.Writer, backups []persistence.BackupInfo) {
	if len(backups) == 0 {
		fmt.Fprintln(w, "No backups found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tSIZE")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.CreatedAt.Format(time.RFC3339), b.Size)
	}
	tw.Flush()
}

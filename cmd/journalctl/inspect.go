package main

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/INLOpen/mailjournal/codec"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/wal"
	"github.com/caio/go-tdigest/v4"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// walDir returns the wal data directory; stats and verify read segment files
// directly and only understand the wal layout.
func (c *cli) walDir() (string, error) {
	if p := strings.ToLower(c.cfg.Journal.Provider); p != "wal" {
		return "", fmt.Errorf("this command reads wal data directories, not %q", p)
	}
	return c.cfg.WAL.Dir, nil
}

type journalStats struct {
	name     string
	result   wal.ScanResult
	bytes    int64
	p50, p99 float64
}

func scanStats(dir string, id core.JournalID) (journalStats, error) {
	st := journalStats{name: id.String()}
	td, err := tdigest.New()
	if err != nil {
		return st, fmt.Errorf("tdigest.New failed: %w", err)
	}
	st.result, err = wal.ScanJournal(filepath.Join(dir, id.DirName()), func(it wal.Item) error {
		st.bytes += int64(it.StoredSize)
		return td.AddWeighted(float64(it.StoredSize), 1)
	})
	if err != nil {
		return st, fmt.Errorf("journal %s: %w", id, err)
	}
	if td.Count() > 0 {
		st.p50, st.p99 = td.Quantile(0.5), td.Quantile(0.99)
	}
	return st, nil
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report segments, items and item sizes per journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := c.walDir()
			if err != nil {
				return err
			}
			ids, err := wal.ListJournals(dir)
			if err != nil {
				return err
			}

			stats := make([]journalStats, len(ids))
			var g errgroup.Group
			g.SetLimit(runtime.GOMAXPROCS(0))
			for i, id := range ids {
				g.Go(func() error {
					var err error
					stats[i], err = scanStats(dir, id)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOURNAL\tSEGMENTS\tITEMS\tBYTES\tP50\tP99\tTORN")
			var items int
			var total int64
			for _, st := range stats {
				items += st.result.Items
				total += st.bytes
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f\t%.0f\t%t\n",
					st.name, len(st.result.Segments), st.result.Items, st.bytes, st.p50, st.p99, st.result.TornTail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d journals, %d items, %s\n", len(stats), items, humanize.Bytes(uint64(total)))
			if du, err := disk.Usage(dir); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "disk: %.1f%% used, %s free\n", du.UsedPercent, humanize.Bytes(du.Free))
			}
			return nil
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every record of every journal",
		Long: `verify reads every retained record, checking its frame checksum, its
sequence number and that it decodes as a journaled call. A torn tail is
reported but does not fail verification: the next open truncates it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := c.walDir()
			if err != nil {
				return err
			}
			ids, err := wal.ListJournals(dir)
			if err != nil {
				return err
			}

			cdc := codec.New()
			results := make([]wal.ScanResult, len(ids))
			errs := make([]error, len(ids))
			var g errgroup.Group
			g.SetLimit(runtime.GOMAXPROCS(0))
			for i, id := range ids {
				g.Go(func() error {
					results[i], errs[i] = wal.ScanJournal(filepath.Join(dir, id.DirName()), func(it wal.Item) error {
						if _, err := cdc.Unmarshal(it.Data); err != nil {
							return fmt.Errorf("segment %d offset %d sequence %d: %w", it.Segment, it.Offset, it.Sequence, err)
						}
						return nil
					})
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			failed := 0
			for i, id := range ids {
				name := id.String()
				switch {
				case errs[i] != nil:
					failed++
					fmt.Fprintf(out, "FAIL\t%s\t%v\n", name, errs[i])
					c.logger.Error("Journal failed verification", "journal", name, "error", errs[i])
				case results[i].TornTail:
					fmt.Fprintf(out, "TORN\t%s\t%d items\n", name, results[i].Items)
				default:
					fmt.Fprintf(out, "OK\t%s\t%d items\n", name, results[i].Items)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d journals failed verification", failed, len(ids))
			}
			return nil
		},
	}
}

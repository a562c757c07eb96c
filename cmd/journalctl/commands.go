package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/spf13/cobra"
)

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the journals of the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(c.cfg, c.logger, c.hooks)
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.Journals()
			if err != nil {
				return err
			}
			core.SortJournalIDs(ids)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func (c *cli) dumpCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "dump [journal...]",
		Short: "Print the calls each journal would replay",
		Long: `dump opens each journal the way the runtime does on recovery and prints the
calls it replays, one per line. Without arguments every journal is dumped.
Opening a journal repairs a torn tail, so the store must not be in use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(c.cfg, c.logger, c.hooks)
			if err != nil {
				return err
			}
			defer s.Close()

			pp, closer, err := openPeerProvider(c.cfg, s, c.logger)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			if peer != "" && pp == nil {
				return errors.New("--peer needs journal.peer_provider to be configured")
			}

			// Journals listed from the store, peer copies included, are read
			// locally; --peer reads through the configured peer provider.
			jopts := journal.WithJournalOptions(journalOptions(c.cfg, c.logger, c.hooks))
			driver := journal.NewDriver(s, journal.WithPeerProvider(s), jopts)
			if peer != "" {
				driver = journal.NewDriver(s, journal.WithPeerProvider(pp), jopts)
			}

			var ids []core.JournalID
			switch {
			case len(args) > 0:
				for _, name := range args {
					ids = append(ids, core.JournalID{Name: name, Peer: peer})
				}
			default:
				all, err := s.Journals()
				if err != nil {
					return err
				}
				core.SortJournalIDs(all)
				for _, id := range all {
					switch {
					case peer == "":
						ids = append(ids, id)
					case id.Peer == "":
						ids = append(ids, core.PeerJournal(id.Name, peer))
					}
				}
			}

			for _, id := range ids {
				var j *journal.Journal
				if id.Peer != "" {
					j, err = driver.OpenPeer(id.Name, id.Peer)
				} else {
					j, err = driver.Open(id.Name)
				}
				if err != nil {
					return err
				}
				q := &printQueue{out: cmd.OutOrStdout(), journal: j.Name()}
				err = errors.Join(j.ReplayStart(cmd.Context(), q, q), j.Close())
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Dump the journals this peer keeps instead of the local ones")
	return cmd
}

func (c *cli) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Finish interrupted purges and reclaim space",
		Long: `compact opens every journal once, which completes purges a crash interrupted
and truncates torn tails, then asks the store to reclaim space when it can.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(c.cfg, c.logger, c.hooks)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			ids, err := s.Journals()
			if err != nil {
				return err
			}
			for _, id := range ids {
				st, err := s.OpenJournal(id)
				if err != nil {
					return err
				}
				if err := st.Close(); err != nil {
					return fmt.Errorf("close journal %s: %w", id, err)
				}
			}
			if cp, ok := s.(compacter); ok {
				if err := cp.Compact(); err != nil {
					return err
				}
			}
			c.logger.Info("Journal store compacted", "journals", len(ids), "duration", time.Since(start))
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %d journals\n", len(ids))
			return nil
		},
	}
}

// printQueue is the delivery queue dump replays into.
type printQueue struct {
	out     io.Writer
	journal string
}

func (q *printQueue) Offer(msg journal.Message, _ time.Duration) bool {
	switch m := msg.(type) {
	case *journal.ReplaySendMessage:
		fmt.Fprintf(q.out, "%s\tsend\t%s.%s%v\n", q.journal, m.ActorKey, m.Method, m.Args)
	case *journal.ReplayQueryMessage:
		fmt.Fprintf(q.out, "%s\tquery\t%s.%s%v\n", q.journal, m.ActorKey, m.Method, m.Args)
	}
	return true
}

func (q *printQueue) Wake() {}

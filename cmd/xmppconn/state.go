package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meszmate/xmppconn/internal/config"
	"github.com/meszmate/xmppconn/internal/storage/sqlite"
)

var (
	forget string

	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Show what is remembered about each account",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := paths()
			if err != nil {
				return err
			}
			cfg, err := config.Load(p)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := sqlite.New(cfg.General.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			if forget != "" {
				if err := db.DeleteState(forget); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", forget)
				return nil
			}
			return printState(cmd.OutOrStdout(), db, time.Now())
		},
	}
)

func init() {
	stateCmd.Flags().StringVar(&forget, "forget", "", "delete the stored state of this bare JID")
}

func printState(out io.Writer, db *sqlite.DB, now time.Time) error {
	states, err := db.GetAllStates()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tRESOURCE\tMECHANISM\tFAST\tQUICK START\tSTATUS\tLAST CONNECTED")
	for _, s := range states {
		fast := "-"
		if s.FastToken != "" {
			fast = s.FastMechanism
			if !s.FastExpiry.IsZero() && !s.FastExpiry.After(now) {
				fast += " (expired)"
			}
		}
		mech := "-"
		if s.PinnedMechanism != "" {
			mech = fmt.Sprintf("%s/%d", s.PinnedMechanism, s.PinnedPriority)
		}
		status, last := "-", "-"
		session, err := db.GetSession(s.Account)
		if err != nil {
			return err
		}
		if session != nil {
			status = session.Status
			last = session.LastConnected.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", s.Account, orDash(s.Resource), mech, fast, s.QuickStart, status, last)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

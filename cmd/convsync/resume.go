package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/multi-agent/convsync/internal/conversation"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [thread-id]",
	Short: "Rejoin a persisted in-flight run and follow it to completion",
	Long: `Without arguments, lists the runs persisted by earlier processes.
With a thread id, rejoins that thread's run from the start of its stream
and prints it until the run ends. Ctrl-C detaches without cancelling.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			runs, err := a.runs.List(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No persisted runs.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tRUN\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ThreadID, r.RunID, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		}

		th := a.hub.Open(ctx, args[0])
		p := newPrinter(os.Stdout)
		unsubscribe := th.Subscribe(p.OnState)
		defer unsubscribe()

		if err := th.Resume(ctx); err != nil {
			return err
		}
		if th.Snapshot().Status != conversation.StatusRunning {
			fmt.Println("No active run for thread", th.ID())
			return nil
		}
		if err := th.Wait(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "detached; the run continues on the backend")
			return nil
		}
		if st := th.Snapshot(); st.Status == conversation.StatusError {
			return pkgerr.Newf("convsync resume", "run failed: %s", st.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

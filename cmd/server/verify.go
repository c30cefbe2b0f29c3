package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/ledger"
)

var ErrVerifyFailed = errors.New("balance verification failed")

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringP("user", "u", "", "User to verify")
	verifyCmd.Flags().Bool("all", false, "Verify every user with a balance")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay journals and compare them with stored balances",
	Long: `Replays each user's transaction journal and checks that the totals equal
the stored balance record. Exits non-zero if any user does not match.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")
	all, _ := cmd.Flags().GetBool("all")
	if (user == "") == !all {
		return errors.New("exactly one of --user or --all is required")
	}

	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	be, err := openBackend(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer be.Close()

	users := []ledger.UserID{ledger.UserID(user)}
	if all {
		if users, err = be.Users(ctx); err != nil {
			return err
		}
	}

	engine := ledger.NewEngine(be, ledger.WithLogger(log))
	return verifyUsers(ctx, engine, users, cmd.OutOrStdout())
}

type verifier interface {
	Verify(ctx context.Context, userID ledger.UserID) (ledger.Totals, error)
}

func verifyUsers(ctx context.Context, v verifier, users []ledger.UserID, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tBALANCE\tEARNED\tSPENT\tTXS\tSTATUS")

	failed := 0
	for _, u := range users {
		totals, err := v.Verify(ctx, u)
		status := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrReplayMismatch):
			failed++
			status = "MISMATCH: " + err.Error()
		default:
			failed++
			status = "ERROR: " + err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			u, totals.Balance, totals.TotalEarned, totals.TotalSpent, totals.Count, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d users checked, %d failed\n", len(users), failed)
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d users", ErrVerifyFailed, failed, len(users))
	}
	return nil
}

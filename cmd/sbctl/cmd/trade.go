package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
	"github.com/alanyoungcy/sbmarket/internal/txerror"
)

var assumeYes bool

var buyCmd = &cobra.Command{
	Use:   "buy <sea|pat> <amount-voi>",
	Short: "Buy outcome shares with the connected wallet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, amount, err := parseTrade(args)
		if err != nil {
			return err
		}
		e, err := open(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		if !e.deps.Wallets.Connected() {
			return domain.ErrNotConnected
		}
		e.deps.Reader.Refresh(cmd.Context())

		q, err := e.deps.Trades.Quote(cmd.Context(), "", outcome, amount)
		if err != nil {
			return err
		}
		printQuote(cmd, q)
		if !assumeYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Confirm purchase?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}

		sub, err := e.deps.Trades.Buy(cmd.Context(), outcome, amount)
		return finish(cmd, sub, err)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim winnings after the market resolves",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := open(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		if !e.deps.Wallets.Connected() {
			return domain.ErrNotConnected
		}
		e.deps.Reader.Refresh(cmd.Context())
		if !e.deps.Trades.ClaimEligible(cmd.Context()) {
			return errors.New("nothing to claim: the market is unresolved or you hold no winning shares")
		}

		sub, err := e.deps.Trades.Claim(cmd.Context())
		return finish(cmd, sub, err)
	},
}

func init() {
	buyCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
}

// finish reports a flow result. The toast has already been printed; a
// wallet cancellation is not treated as a failure.
func finish(cmd *cobra.Command, sub domain.Submission, err error) error {
	if err != nil {
		if txerror.Classify(err).Cancelled() {
			return nil
		}
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), sub)
	}
	for _, id := range sub.TxIDs {
		row(cmd.OutOrStdout(), "Transaction", id)
	}
	return nil
}

func printQuote(cmd *cobra.Command, q market.Quote) {
	out := cmd.OutOrStdout()
	color.New(color.Bold).Fprintf(out, "%s (%d%%)\n", q.Team, q.Probability)
	row(out, "Amount", domain.FormatVoi(q.AmountMicro)+" VOI")
	row(out, "Share price", domain.FormatVoi(q.SharePrice)+" VOI")
	row(out, "Est. shares", q.EstimatedShares.String())
	row(out, "Payout if win", q.PotentialPayout.String()+" VOI")
	row(out, "Network fee", domain.FormatVoi(q.NetworkFee)+" VOI")
	if q.StorageDeposit > 0 {
		row(out, "Box deposit", domain.FormatVoi(q.StorageDeposit)+" VOI (first purchase)")
	}
	row(out, "Total", domain.FormatVoi(q.TotalMicro)+" VOI")
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

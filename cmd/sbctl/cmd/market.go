package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show prices, probabilities and resolution status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := open(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		r := e.deps.Reader
		r.Refresh(cmd.Context())
		st := r.State()
		out := cmd.OutOrStdout()

		if jsonOut {
			return printJSON(out, map[string]any{
				"app_id":   r.AppID(),
				"deployed": r.Deployed(),
				"error":    r.Err(),
				"state":    st,
			})
		}

		if !r.Deployed() {
			color.New(color.FgYellow).Fprintln(out, "Contract not deployed; showing launch prices.")
		} else if msg := r.Err(); msg != "" {
			color.New(color.FgRed).Fprintln(out, msg)
		}
		row(out, "App ID", r.AppID())
		row(out, "Status", marketStatus(st))
		row(out, domain.OutcomeSea.TeamName(), fmt.Sprintf("%s VOI  (%d%%)", domain.FormatVoi(st.SeaPrice), st.SeaProb))
		row(out, domain.OutcomePat.TeamName(), fmt.Sprintf("%s VOI  (%d%%)", domain.FormatVoi(st.PatPrice), st.PatProb))
		row(out, "Shares sold", fmt.Sprintf("%d SEA / %d PAT", st.TotalSeaSold, st.TotalPatSold))
		if !st.FetchedAt.IsZero() {
			row(out, "Read at", st.FetchedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func marketStatus(st domain.MarketState) string {
	switch {
	case st.IsResolved && st.Winner.Valid():
		return "Resolved: " + st.Winner.TeamName() + " won"
	case st.IsResolved:
		return "Resolved"
	case st.MarketPaused:
		return "Paused"
	default:
		return "Open"
	}
}

var balanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Show share balances (defaults to the connected wallet)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd, len(args) == 0)
		if err != nil {
			return err
		}
		defer e.close()

		addr := e.deps.Wallets.Address()
		if len(args) == 1 {
			addr = args[0]
		}
		if addr == "" {
			return domain.ErrNotConnected
		}

		e.deps.Reader.Refresh(cmd.Context())
		bal, err := e.deps.Balances.Fetch(cmd.Context(), addr)
		if err != nil {
			return err
		}
		st := e.deps.Reader.State()
		eligible := domain.ClaimEligible(st, bal)
		out := cmd.OutOrStdout()

		if jsonOut {
			return printJSON(out, map[string]any{"balances": bal, "claim_eligible": eligible})
		}
		row(out, "Account", addr)
		row(out, domain.OutcomeSea.TeamName(), bal.SeaShares)
		row(out, domain.OutcomePat.TeamName(), bal.PatShares)
		if eligible {
			color.New(color.FgGreen, color.Bold).Fprintf(out, "You can claim %d VOI. Run `sbctl claim`.\n", bal.Winning(st.Winner))
		}
		return nil
	},
}

var quoteAccount string

var quoteCmd = &cobra.Command{
	Use:   "quote <sea|pat> <amount-voi>",
	Short: "Price a purchase without sending it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, amount, err := parseTrade(args)
		if err != nil {
			return err
		}
		e, err := open(cmd, quoteAccount == "")
		if err != nil {
			return err
		}
		defer e.close()

		e.deps.Reader.Refresh(cmd.Context())
		q, err := e.deps.Trades.Quote(cmd.Context(), quoteAccount, outcome, amount)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), q)
		}
		printQuote(cmd, q)
		return nil
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteAccount, "account", "", "price for this account instead of the connected wallet")
}

func parseTrade(args []string) (domain.Outcome, uint64, error) {
	outcome, err := domain.ParseOutcome(args[0])
	if err != nil {
		return domain.OutcomeNone, 0, err
	}
	if !outcome.Valid() {
		return domain.OutcomeNone, 0, fmt.Errorf("%w: %s", domain.ErrInvalidOutcome, args[0])
	}
	amount, err := domain.ParseVoi(args[1])
	if err != nil {
		return domain.OutcomeNone, 0, err
	}
	if amount == 0 {
		return domain.OutcomeNone, 0, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	return outcome, amount, nil
}

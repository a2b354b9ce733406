package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/wallet"
)

var connectCmd = &cobra.Command{
	Use:   "connect [extension|walletconnect|local]",
	Short: "Connect a wallet and remember the session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		name := e.cfg.Wallet.Default
		if len(args) == 1 {
			name = args[0]
		}
		kind, err := domain.ParseProviderKind(name)
		if err != nil {
			return err
		}

		sess, err := e.deps.Wallets.Connect(cmd.Context(), kind)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), sess)
		}
		row(cmd.OutOrStdout(), "Account", sess.Address)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "End the wallet session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := open(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		if !e.deps.Wallets.Connected() {
			fmt.Fprintln(cmd.OutOrStdout(), "No wallet connected.")
			return nil
		}
		return e.deps.Wallets.Disconnect(cmd.Context())
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the connected account and available providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := open(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		sess := e.deps.Wallets.Session()
		providers := e.deps.Wallets.Providers(cmd.Context())
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, map[string]any{"session": sess, "providers": providers})
		}

		if sess.Connected {
			row(out, "Account", sess.Address)
			row(out, "Short", wallet.ShortenAddress(sess.Address))
			row(out, "Provider", sess.Provider)
		} else {
			fmt.Fprintln(out, "No wallet connected.")
		}
		for _, p := range providers {
			state := color.New(color.FgGreen).Sprint("available")
			if !p.Available {
				state = color.New(color.Faint).Sprint("unavailable")
			}
			row(out, string(p.Kind), state)
		}
		return nil
	},
}

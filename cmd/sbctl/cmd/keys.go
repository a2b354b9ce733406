package cmd

import (
	"bufio"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
)

var (
	keyOut      string
	keyPassword string
	keyMnemonic string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the local signer's encrypted keystore",
	RunE: func(*cobra.Command, []string) error {
		return ErrMissingSubcommand
	},
}

var keysNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate an account and write it to an encrypted keystore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := keystorePassword()
		if err != nil {
			return err
		}
		sk, words, err := crypto.NewAccount()
		if err != nil {
			return err
		}
		addr, err := saveKeystore(sk, password)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		row(out, "Account", addr)
		row(out, "Keystore", keyOut)
		color.New(color.FgYellow, color.Bold).Fprintln(out, "Write down this mnemonic. It is the only backup of the key:")
		fmt.Fprintf(out, "  %s\n", words)
		return nil
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Encrypt an existing 25-word mnemonic into a keystore",
	Long:  "Reads the mnemonic from --mnemonic or, when omitted, from one line of stdin.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := keystorePassword()
		if err != nil {
			return err
		}
		words := keyMnemonic
		if words == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no mnemonic on stdin")
			}
			words = line
		}
		sk, err := crypto.LoadKey(crypto.KeyConfig{Mnemonic: words})
		if err != nil {
			return err
		}
		addr, err := saveKeystore(sk, password)
		if err != nil {
			return err
		}
		row(cmd.OutOrStdout(), "Account", addr)
		row(cmd.OutOrStdout(), "Keystore", keyOut)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{keysNewCmd, keysImportCmd} {
		c.Flags().StringVarP(&keyOut, "out", "o", "keystore.json", "keystore file to write")
		c.Flags().StringVar(&keyPassword, "password", "", "keystore password (default $SBMARKET_WALLET_KEY_PASSWORD)")
	}
	keysImportCmd.Flags().StringVar(&keyMnemonic, "mnemonic", "", "25-word account mnemonic")
	keysCmd.AddCommand(keysNewCmd, keysImportCmd)
}

func keystorePassword() (string, error) {
	p := keyPassword
	if p == "" {
		p = os.Getenv("SBMARKET_WALLET_KEY_PASSWORD")
	}
	if strings.TrimSpace(p) == "" {
		return "", errors.New("a keystore password is required (--password or SBMARKET_WALLET_KEY_PASSWORD)")
	}
	return p, nil
}

func saveKeystore(sk ed25519.PrivateKey, password string) (string, error) {
	if _, err := os.Stat(keyOut); err == nil {
		return "", fmt.Errorf("%s already exists", keyOut)
	}
	addr, err := crypto.AddressOf(sk)
	if err != nil {
		return "", err
	}
	if err := crypto.SaveKey(keyOut, sk, password); err != nil {
		return "", err
	}
	return addr, nil
}

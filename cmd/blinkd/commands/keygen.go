package commands

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/blinknet/blinkd/src/crypto"
)

var keyFile string

// NewKeygenCmd produces a KeygenCmd which creates a new identity keypair
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new key pair",
		RunE:  keygen,
	}

	cmd.Flags().StringVar(&keyFile, "key", _config.Keyfile(), "File where the private key will be written")

	return cmd
}

func keygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keyFile); err == nil {
		return fmt.Errorf("a key already lives under: %s", path.Dir(keyFile))
	}

	keys, err := crypto.GenerateKeys()
	if err != nil {
		return fmt.Errorf("error generating keys: %s", err)
	}

	keyfile := crypto.NewSimpleKeyfile(keyFile)
	if err := keyfile.WriteKeys(keys); err != nil {
		return fmt.Errorf("writing private key: %s", err)
	}

	fmt.Printf("Your private key has been saved to: %s\n", keyFile)
	fmt.Printf("Public identity key: %s\n", keys.Pub)
	fmt.Printf("X25519 transport key: %s\n", keys.X25519Pub)

	return nil
}

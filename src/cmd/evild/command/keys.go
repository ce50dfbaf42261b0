package command

import (
	"fmt"

	"github.com/oneevilcoin/evild/src/crypto/keys"
	"github.com/spf13/cobra"
)

// keygenCmd generates a fresh node identity key in the datadir.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyfile := keys.NewSimpleKeyfile(conf.Keyfile())

		if _, err := keyfile.ReadKey(); err == nil {
			return fmt.Errorf("a key already exists in %s", conf.Keyfile())
		}

		key, err := keys.GenerateECDSAKey()
		if err != nil {
			return err
		}

		if err := keyfile.WriteKey(key); err != nil {
			return err
		}

		fmt.Printf("Public key: %s\n", keys.PublicKeyHex(&key.PublicKey))
		fmt.Printf("Key saved to %s\n", conf.Keyfile())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

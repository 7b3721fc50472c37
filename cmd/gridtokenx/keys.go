package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/types"
)

// newGenerateKeyCmd creates an authority key pair and prints the values a
// genesis config needs: the registry public key and the funded address.
func newGenerateKeyCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generates a new authority signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := gtxcrypto.NewInMemorySecp256K1Signer()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			privKey, err := signer.MarshalPrivateKey()
			if err != nil {
				return fmt.Errorf("marshaling private key: %w", err)
			}
			verifier, err := signer.Verifier()
			if err != nil {
				return err
			}
			pubKey, err := verifier.MarshalPublicKey()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(output, []byte(hex.EncodeToString(privKey)), 0600); err != nil {
				return fmt.Errorf("writing key file: %w", err)
			}
			cmd.Printf("key file: %s\n", output)
			cmd.Printf("public key: %s\n", hex.EncodeToString(pubKey))
			cmd.Printf("address: %s\n", types.NewAddress(pubKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "file to write the hex encoded private key to")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

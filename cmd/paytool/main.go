package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/service"
	"github.com/Dan9191/card-gateway/internal/utils"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "paytool",
		Short:   "Operator tools for the card gateway",
		Version: Version,
	}

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(cryptogramCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen [path]",
		Short: "Generate an RSA key pair for payment form cryptograms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bits, _ := cmd.Flags().GetInt("bits")
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			private := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
			if err := os.WriteFile(args[0], private, 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}

			der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
			if err != nil {
				return fmt.Errorf("failed to marshal public key: %w", err)
			}
			public := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
			if err := os.WriteFile(args[0]+".pub", public, 0o644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s.pub\n", args[0], args[0])
			return nil
		},
	}

	cmd.Flags().Int("bits", 2048, "Key size")

	return cmd
}

func cryptogramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cryptogram [pan] [expiry]",
		Short: "Encrypt card data the way the payment form does. expiry is YYMM.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath, _ := cmd.Flags().GetString("key")
			keyID, _ := cmd.Flags().GetString("key-id")
			login, _ := cmd.Flags().GetString("login")

			key, err := utils.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			cryptogram, err := utils.EncodeCryptogram(&key.PublicKey, keyID, args[0], args[1], login)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cryptogram)
			return nil
		},
	}

	cmd.Flags().StringP("key", "k", "config/cryptogram.pem", "Private key path")
	cmd.Flags().String("key-id", "k1", "Key id written into the envelope")
	cmd.Flags().StringP("login", "l", "", "Payer login")

	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the Content-HMAC of a webhook body. Reads stdin without a file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}

			var body []byte
			var err error
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", hook.HeaderSignature, hook.Sign(secret, body))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", hook.HeaderEncodedSignature, hook.SignEncoded(secret, body))
			return nil
		},
	}

	cmd.Flags().StringP("secret", "s", "", "Cashbox webhook secret")

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [cashbox-id]",
		Short: "Issue an API token for a cashbox with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cashboxID int64
			if _, err := fmt.Sscan(args[0], &cashboxID); err != nil {
				return fmt.Errorf("bad cashbox id %q", args[0])
			}
			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl == 0 {
				ttl = cfg.TokenTTL
			}

			token, err := service.SignToken(cfg.JWTSecret, cashboxID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Duration("ttl", 0, "Token lifetime, defaults to TOKEN_TTL_HOURS")

	return cmd
}

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/rvlink/internal/protocol/bus"
	"github.com/srg/rvlink/pkg/config"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Derive a bus-family key from a challenge",
	Long: `Computes the key a bus gateway expects for a captured challenge. Useful when
checking a PIN or cipher constant against a packet capture.

  unlock:  4-byte challenge read from the status characteristic
  session: 4-byte challenge notified after subscribing; needs --pin`,
	Example: `  rvlink keygen --stage unlock --challenge 01020304
  rvlink keygen --stage session --challenge "A1 B2 C3 D4" --pin 123456`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var (
	keygenStage     string
	keygenChallenge string
	keygenConstant  string
	keygenPIN       string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenStage, "stage", "unlock", "Key stage (unlock, session)")
	keygenCmd.Flags().StringVar(&keygenChallenge, "challenge", "", "Challenge bytes as hex (separators allowed)")
	keygenCmd.Flags().StringVar(&keygenConstant, "constant", "", "Cipher constant as hex (default: stage default)")
	keygenCmd.Flags().StringVar(&keygenPIN, "pin", "", "Six-digit PIN (session stage)")
	_ = keygenCmd.MarkFlagRequired("challenge")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	challenge, err := parseHex(keygenChallenge)
	if err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}

	var key []byte
	switch keygenStage {
	case "unlock":
		constant, err := config.Constant(keygenConstant, bus.DefaultUnlockConstant)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		key, err = bus.UnlockKey(constant, challenge)
		if err != nil {
			return err
		}
	case "session":
		constant, err := config.Constant(keygenConstant, bus.DefaultSessionConstant)
		if err != nil {
			return err
		}
		if keygenPIN == "" {
			return fmt.Errorf("--pin is required for the session stage")
		}
		cmd.SilenceUsage = true
		key, err = bus.SessionKey(constant, challenge, keygenPIN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid stage '%s': must be unlock or session", keygenStage)
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatHex(key))
	return nil
}

// parseHex accepts "0102", "01 02", "01:02" and "0x0102".
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	return hex.DecodeString(s)
}

func formatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

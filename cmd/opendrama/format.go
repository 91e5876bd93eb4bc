package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var coinPrinter = message.NewPrinter(language.English)

// coins renders an amount with thousands separators.
func coins(amount int64) string {
	return coinPrinter.Sprintf("%d", amount)
}

// signedCoins renders a ledger delta with an explicit sign.
func signedCoins(amount int64) string {
	if amount > 0 {
		return "+" + coins(amount)
	}
	return coins(amount)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

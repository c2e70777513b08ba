// Copyright (c) 2025, the mathom authors.
// All rights reserved. Use of this source code is governed by the MIT
// license which can be found in the LICENSE file.

// Mat talks to a mathom server: upload a file, hand out the token, fetch it
// back later.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mathomhouse/mathom/lib"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:           "mat",
	Short:         "Share files through a mathom server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&serverAddr,
		"server",
		"s",
		envOr("MATHOM_SERVER", "http://localhost:5555"),
		"address of the mathom server",
	)

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newStatCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newRemoveCmd())
}

func client() *mathom.Client {
	return mathom.New(strings.TrimRight(serverAddr, "/"), nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ocnwatchd",
		Short: "Cross-consensus message watcher daemon",
	}

	InitRootCmd(rootCmd)

	return rootCmd
}

// defaultHome resolves the daemon's home directory: $OCNWATCH_HOME when set,
// ~/.ocnwatch otherwise.
func defaultHome() string {
	if home := os.Getenv("OCNWATCH_HOME"); home != "" {
		return home
	}
	usr, err := os.UserHomeDir()
	if err != nil {
		return ".ocnwatch"
	}
	return filepath.Join(usr, ".ocnwatch")
}

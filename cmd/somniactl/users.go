package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats USER_ID",
		Short: "Show a user's streak and progress snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("%s/api/users/%s/stats", apiFlag, args[0]))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	rootCmd.AddCommand(statsCmd)

	var limit int
	entriesCmd := &cobra.Command{
		Use:   "entries USER_ID",
		Short: "List a user's most recent dream entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("%s/api/users/%s/entries?limit=%d", apiFlag, args[0], limit))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	entriesCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum entries to return")
	rootCmd.AddCommand(entriesCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	exercisesCmd := &cobra.Command{Use: "exercises", Short: "Exercise catalog operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the exercise catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("%s/api/exercises", apiFlag))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	exercisesCmd.AddCommand(listCmd)

	var title, instructions string
	var tier int
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an exercise to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" || instructions == "" {
				return fmt.Errorf("--title and --instructions required")
			}
			payload := map[string]interface{}{
				"title":        title,
				"instructions": instructions,
				"tier":         tier,
			}
			data, err := doPostJSON(fmt.Sprintf("%s/api/exercises", apiFlag), payload)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	addCmd.Flags().StringVarP(&title, "title", "t", "", "Exercise title (required)")
	addCmd.Flags().StringVarP(&instructions, "instructions", "i", "", "Exercise instructions (required)")
	addCmd.Flags().IntVar(&tier, "tier", 1, "Difficulty tier (1-3)")
	_ = addCmd.MarkFlagRequired("title")
	exercisesCmd.AddCommand(addCmd)

	rootCmd.AddCommand(exercisesCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/autoform/client/internal/model/form"
)

var formCmd = &cobra.Command{
	Use:   "form",
	Short: "Inspect or replace the backend's current form",
}

var formShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current form",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newBackend().CurrentForm(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n", f.Title)
		for _, field := range f.Fields {
			required := ""
			if field.Required {
				required = " (required)"
			}
			fmt.Fprintf(out, "  %-20s %-8s%s\n", field.Name, field.Type, required)
		}
		return nil
	},
}

var formSaveCmd = &cobra.Command{
	Use:   "save <file.json>",
	Short: "Validate a form definition and save it as the current form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var f form.Form
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if err := f.Validate(); err != nil {
			return err
		}
		res, err := newBackend().SaveForm(cmd.Context(), f)
		if err != nil {
			return err
		}
		logger.Info("form saved", "id", res.FormID, "title", f.Title, "message", res.Message)
		return nil
	},
}

func init() {
	formCmd.AddCommand(formShowCmd)
	formCmd.AddCommand(formSaveCmd)
}

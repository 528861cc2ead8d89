package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BTreeMap/FormPipe/internal/form"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/spf13/cobra"
)

var errFormsInvalid = errors.New("one or more forms have errors")

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check PATH...",
		Short: "Check form definition files",
		Long:  `Loads each form file (or every form in each directory) and reports the issues that would block or affect publication.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := false
			for _, path := range args {
				defs, err := loadForms(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed = true
					continue
				}
				for _, def := range defs {
					issues := form.Check(def)
					if form.HasErrors(issues) {
						failed = true
					}
					status := "ok"
					if len(issues) > 0 {
						status = fmt.Sprintf("%d issue(s)", len(issues))
					}
					fmt.Fprintf(out, "%s (%s): %s\n", def.Slug, def.Shape(), status)
					for _, issue := range issues {
						fmt.Fprintf(out, "  %s\n", issue)
					}
				}
			}
			if failed {
				return errFormsInvalid
			}
			return nil
		},
	}
}

func loadForms(path string) ([]*models.FormDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return form.LoadDir(path)
	}
	def, err := form.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*models.FormDefinition{def}, nil
}

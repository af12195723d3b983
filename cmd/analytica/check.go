package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/analytica/validator"
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a script against the execution policy",
		Long:  "Validate a script without running it. Use - to read the script from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			p, err := cfg.Policy()
			if err != nil {
				return err
			}
			src, err := readScript(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			verdict := validator.Validate(src, p)
			out := cmd.OutOrStdout()
			if jsonOutput {
				data, _ := json.MarshalIndent(verdict, "", "  ")
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintln(out, verdict.String())
			}

			if !verdict.Accepted {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func readScript(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

// cmd/args.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/browser"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

func newArgsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "args",
		Short: "Print the recommended browser launch arguments for audio-less hosts",
		Long: `Prints the browser arguments to use when launching Chrome on a host without
an audio device. With --all the full flag set the solve command launches with
is printed instead, including the resolved configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !all {
				_, err := fmt.Fprintln(out, strings.Join(recaptcha.HeadlessArgs, "\n"))
				return err
			}
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range browser.LaunchFlags(cfg.Browser) {
				if !f.Enabled() {
					continue
				}
				if _, err := fmt.Fprintln(out, f.String()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "print every launch flag derived from the configuration")
	return cmd
}

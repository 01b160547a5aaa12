package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jibdev/jib/internal/credential"
)

var checkSecretsPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Diagnose the secret file without starting the gateway",
	Long: `check runs the format-only credential diagnosis against a secret file:
prefix and length validation per slot, no live upstream calls, and no
secret material in the output. Exits non-zero when no slot is usable.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkSecretsPath, "secrets", "", "path to the secret file")
}

func runCheck(_ *cobra.Command, _ []string) error {
	path := goutils.Env("JIB_SECRETS_PATH", checkSecretsPath)
	if path == "" {
		return fmt.Errorf("--secrets (or JIB_SECRETS_PATH) is required")
	}

	report, err := credential.HealthFile(path, time.Now())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tKIND\tSTATUS")
	usable := 0
	for _, s := range report {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Slot, s.Kind, s.Status)
		if s.Status == credential.HealthValid {
			usable++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if usable == 0 {
		return fmt.Errorf("no usable credential slot in %s", path)
	}
	fmt.Printf("\n%d usable slot(s)\n", usable)
	return nil
}

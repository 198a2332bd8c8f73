package main

import (
	"os"

	"erp-workflow/cmd/workflowctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd(cmd.DefaultOpener).Execute(); err != nil {
		os.Exit(1)
	}
}

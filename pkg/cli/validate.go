package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/webflow-runner/pkg/validator"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Validate flow files without running them",
	ArgsUsage: "<flow-file-or-folder>...",
	Action:    validateFlows,
}

func validateFlows(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("at least one flow file or folder is required")
	}

	v := validator.New()
	failed := false
	for _, path := range c.Args().Slice() {
		res := v.Validate(path)
		for _, file := range res.Files {
			fmt.Printf("  %s✓%s %s\n", color(colorGreen), color(colorReset), file)
		}
		for _, err := range res.Errors {
			fmt.Printf("  %s✗%s %v\n", color(colorRed), color(colorReset), err)
		}
		if !res.IsValid() {
			failed = true
		}
	}

	if failed {
		return cli.Exit("validation failed", 1)
	}
	return nil
}

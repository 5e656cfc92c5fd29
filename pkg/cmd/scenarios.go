package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/testground/discovery-plan/pkg/scenario"
)

var ScenariosCommand = cli.Command{
	Name:   "scenarios",
	Usage:  "list the scenarios this plan can run",
	Action: scenariosCommand,
}

func scenariosCommand(c *cli.Context) error {
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, name := range scenario.Names() {
		sc, err := scenario.Lookup(name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", sc.Name, sc.Description)
	}
	return tw.Flush()
}

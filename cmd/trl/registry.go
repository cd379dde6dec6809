package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator"
	"github.com/zaporter/trl/orchestrator/experiment"
)

func createRegistryCli() *cli.Command {
	list := &cli.Command{
		Name:  "list",
		Usage: "show the registered component names",
		Action: func(ctx context.Context, _ *cli.Command) error {
			regs := orchestrator.DefaultRegistries()
			executors := experiment.NewExecutors()
			for _, row := range []struct {
				category string
				names    []string
			}{
				{regs.Models.Category(), regs.Models.Names()},
				{regs.Pipelines.Category(), regs.Pipelines.Names()},
				{regs.Orchestrators.Category(), regs.Orchestrators.Names()},
				{executors.Category(), executors.Names()},
			} {
				fmt.Printf("%-13s %s\n", row.category, strings.Join(row.names, ", "))
			}
			return nil
		},
	}
	return &cli.Command{
		Name:     "registry",
		Usage:    "registered models, pipelines, orchestrators and executors",
		Commands: []*cli.Command{list},
	}
}

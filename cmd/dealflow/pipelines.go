package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
)

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
		Long:  "A pipeline is an ordered list of stages. Stage probabilities drive deal probabilities and the forecast; each tenant has one default pipeline.",
	}
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineCreateCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineDefaultCmd())
	p.AddCommand(pipelineUpdateCmd())
	p.AddCommand(pipelineDeleteCmd())
	p.AddCommand(pipelineRecalcCmd())
	return p
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPipelines(ctx, tenantID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Default", "Stages", "Deals", "Open", "Win rate", "Currency"})
				for _, p := range items {
					def := ""
					if p.IsDefault {
						def = "*"
					}
					tw.AppendRow(table.Row{p.ID, p.Name, def, len(p.Stages), p.Stats.TotalDeals, p.Stats.OpenDeals, fmt.Sprintf("%d%%", p.Stats.WinRate), p.Currency})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pipelineCreateCmd() *cobra.Command {
	var opts engine.CreatePipelineOptions
	var stageSpecs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pipeline",
		Long: `Create a pipeline. Stages are given in order with --stage id:Name:probability[:won|:lost];
without --stage the default Lead, Qualified, Proposal, Negotiation, Won, Lost set is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, spec := range stageSpecs {
				s, err := parseStageSpec(spec)
				if err != nil {
					return err
				}
				opts.Stages = append(opts.Stages, s)
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TenantID = tenantID(e)
				p, err := e.CreatePipeline(ctx, opts)
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "pipeline name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency code (defaults to config)")
	cmd.Flags().BoolVar(&opts.IsDefault, "default", false, "make this the tenant default")
	cmd.Flags().StringArrayVar(&stageSpecs, "stage", nil, "stage as id:Name:probability[:won|:lost] (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pipeline with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
}

func pipelineDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Show the tenant's default pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetDefaultPipeline(ctx, tenantID(e))
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
}

func pipelineUpdateCmd() *cobra.Command {
	var name, desc, currency string
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update pipeline fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.PipelineUpdate{ActorID: actorID()}
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("description") {
				upd.Description = &desc
			}
			if cmd.Flags().Changed("currency") {
				upd.Currency = &currency
			}
			if cmd.Flags().Changed("default") {
				upd.IsDefault = &isDefault
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdatePipeline(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "pipeline name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the tenant default")
	return cmd
}

func pipelineDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pipeline that has no deals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeletePipeline(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted pipeline %s\n", args[0])
				return nil
			})
		},
	}
}

func pipelineRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <id>",
		Short: "Rebuild pipeline stats from its deals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.RecalculatePipelineStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Manage the stages of a pipeline"}
	s.AddCommand(stageAddCmd())
	s.AddCommand(stageUpdateCmd())
	s.AddCommand(stageReorderCmd())
	s.AddCommand(stageDeleteCmd())
	return s
}

func stageAddCmd() *cobra.Command {
	var stage domain.Stage
	var rottenDays int
	cmd := &cobra.Command{
		Use:   "add <pipeline-id>",
		Short: "Append a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rottenDays > 0 {
				stage.RottenDays = &rottenDays
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddStage(ctx, args[0], stage, actorID())
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&stage.ID, "id", "", "stage id (generated if omitted)")
	cmd.Flags().StringVar(&stage.Name, "name", "", "stage name")
	cmd.Flags().IntVar(&stage.Probability, "probability", 0, "win probability 0-100")
	cmd.Flags().StringVar(&stage.Color, "color", "", "display color")
	cmd.Flags().IntVar(&rottenDays, "rotten-days", 0, "days without activity before a deal rots")
	cmd.Flags().BoolVar(&stage.IsWon, "won", false, "mark as the won stage")
	cmd.Flags().BoolVar(&stage.IsLost, "lost", false, "mark as the lost stage")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var name, color string
	var probability, rottenDays int
	var won, lost bool
	cmd := &cobra.Command{
		Use:   "update <pipeline-id> <stage-id>",
		Short: "Update a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.StageUpdate
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("probability") {
				upd.Probability = &probability
			}
			if cmd.Flags().Changed("color") {
				upd.Color = &color
			}
			if cmd.Flags().Changed("rotten-days") {
				upd.RottenDays = &rottenDays
			}
			if cmd.Flags().Changed("won") {
				upd.IsWon = &won
			}
			if cmd.Flags().Changed("lost") {
				upd.IsLost = &lost
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateStage(ctx, args[0], args[1], upd, actorID())
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&probability, "probability", 0, "win probability 0-100")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().IntVar(&rottenDays, "rotten-days", 0, "days before rotting; 0 clears")
	cmd.Flags().BoolVar(&won, "won", false, "won stage flag")
	cmd.Flags().BoolVar(&lost, "lost", false, "lost stage flag")
	return cmd
}

func stageReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <pipeline-id> <stage-id>...",
		Short: "Reorder stages; omitted stages keep their relative order at the end",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ReorderStages(ctx, args[0], args[1:], actorID())
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
}

func stageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline-id> <stage-id>",
		Short: "Delete a stage that holds no deals",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.DeleteStage(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printPipeline(p)
			})
		},
	}
}

func printPipeline(p domain.Pipeline) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Pipeline: %s (%s)", p.Name, p.ID)
	if p.IsDefault {
		fmt.Print(" [default]")
	}
	fmt.Printf("\nCurrency: %s  Deals: %d  Open: %d  Won: %d  Lost: %d  Win rate: %d%%\n",
		p.Currency, p.Stats.TotalDeals, p.Stats.OpenDeals, p.Stats.WonDeals, p.Stats.LostDeals, p.Stats.WinRate)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "ID", "Name", "Probability", "Rotten days", "Terminal"})
	for _, s := range p.Stages {
		rotten := ""
		if s.RottenDays != nil {
			rotten = strconv.Itoa(*s.RottenDays)
		}
		terminal := ""
		switch {
		case s.IsWon:
			terminal = "won"
		case s.IsLost:
			terminal = "lost"
		}
		tw.AppendRow(table.Row{s.Order, s.ID, s.Name, fmt.Sprintf("%d%%", s.Probability), rotten, terminal})
	}
	tw.Render()
	return nil
}

// parseStageSpec reads id:Name:probability[:won|:lost].
func parseStageSpec(spec string) (domain.Stage, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return domain.Stage{}, fmt.Errorf("--stage %q: expected id:Name:probability[:won|:lost]", spec)
	}
	prob, err := strconv.Atoi(parts[2])
	if err != nil {
		return domain.Stage{}, fmt.Errorf("--stage %q: probability must be an integer", spec)
	}
	s := domain.Stage{ID: parts[0], Name: parts[1], Probability: prob}
	if len(parts) == 4 {
		switch parts[3] {
		case "won":
			s.IsWon = true
		case "lost":
			s.IsLost = true
		default:
			return domain.Stage{}, fmt.Errorf("--stage %q: terminal marker must be won or lost", spec)
		}
	}
	return s, nil
}

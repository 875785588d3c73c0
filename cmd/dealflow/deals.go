package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
)

func dealCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
		Long:  "Deals sit in one stage of one pipeline. Moving a deal to the won or lost stage closes it; closed deals can be reopened.",
	}
	d.AddCommand(dealCreateCmd())
	d.AddCommand(dealListCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealUpdateCmd())
	d.AddCommand(dealMoveCmd())
	d.AddCommand(dealCloseCmd())
	d.AddCommand(dealReopenCmd())
	d.AddCommand(dealDeleteCmd())
	d.AddCommand(dealRottingCmd())
	return d
}

func dealCreateCmd() *cobra.Command {
	var opts engine.CreateDealOptions
	var probability, score int
	var expectedClose, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("probability") {
				opts.Probability = &probability
			}
			if cmd.Flags().Changed("score") {
				opts.Score = &score
			}
			var err error
			if opts.ExpectedCloseDate, err = parseDate("expected-close", expectedClose); err != nil {
				return err
			}
			opts.Priority = domain.Priority(priority)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TenantID = tenantID(e)
				if opts.PipelineID == "" {
					p, err := e.GetDefaultPipeline(ctx, opts.TenantID)
					if err != nil {
						return fmt.Errorf("--pipeline not given and no default pipeline: %w", err)
					}
					opts.PipelineID = p.ID
				}
				d, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PipelineID, "pipeline", "", "pipeline id (defaults to the tenant default)")
	cmd.Flags().StringVar(&opts.StageID, "stage", "", "stage id (defaults to the first open stage)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "deal name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "deal value")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency code (defaults to the pipeline)")
	cmd.Flags().IntVar(&probability, "probability", 0, "override the stage probability")
	cmd.Flags().StringVar(&expectedClose, "expected-close", "", "expected close date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ContactID, "contact-id", "", "contact id")
	cmd.Flags().StringVar(&opts.CompanyID, "company-id", "", "company id")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner id")
	cmd.Flags().StringArrayVar(&opts.Collaborators, "collaborator", nil, "collaborator id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&opts.Source, "source", "", "lead source")
	cmd.Flags().StringVar(&opts.Campaign, "campaign", "", "campaign")
	cmd.Flags().IntVar(&score, "score", 0, "lead score")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func dealListCmd() *cobra.Command {
	var q engine.DealQuery
	var status, priority, sortBy, sortOrder string
	var minAmount, maxAmount float64
	var createdFrom, createdTo, closeFrom, closeTo string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = domain.DealStatus(status)
			q.Priority = domain.Priority(priority)
			q.SortBy = engine.SortField(sortBy)
			q.Ascending = sortOrder == "asc"
			if cmd.Flags().Changed("min-amount") {
				q.MinAmount = &minAmount
			}
			if cmd.Flags().Changed("max-amount") {
				q.MaxAmount = &maxAmount
			}
			for _, f := range []struct {
				name string
				raw  string
				dst  **time.Time
			}{
				{"created-from", createdFrom, &q.CreatedFrom},
				{"created-to", createdTo, &q.CreatedTo},
				{"close-from", closeFrom, &q.ExpectedCloseFrom},
				{"close-to", closeTo, &q.ExpectedCloseTo},
			} {
				t, err := parseDate(f.name, f.raw)
				if err != nil {
					return err
				}
				*f.dst = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q.TenantID = tenantID(e)
				page, err := e.ListDeals(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				renderDeals(page.Items)
				fmt.Printf("%d of %d deal(s)\n", len(page.Items), page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.PipelineID, "pipeline", "", "pipeline filter")
	cmd.Flags().StringVar(&q.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&status, "status", "", "open, won, lost or archived")
	cmd.Flags().StringVar(&q.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&q.ContactID, "contact-id", "", "contact filter")
	cmd.Flags().StringVar(&q.CompanyID, "company-id", "", "company filter")
	cmd.Flags().Float64Var(&minAmount, "min-amount", 0, "minimum amount")
	cmd.Flags().Float64Var(&maxAmount, "max-amount", 0, "maximum amount")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringArrayVar(&q.Tags, "tag", nil, "match deals with any of these tags (repeatable)")
	cmd.Flags().StringVar(&createdFrom, "created-from", "", "created on or after")
	cmd.Flags().StringVar(&createdTo, "created-to", "", "created on or before")
	cmd.Flags().StringVar(&closeFrom, "close-from", "", "expected close on or after")
	cmd.Flags().StringVar(&closeTo, "close-to", "", "expected close on or before")
	cmd.Flags().StringVar(&q.Search, "search", "", "case-insensitive match on name and description")
	cmd.Flags().StringVar(&sortBy, "sort", "", "createdAt, updatedAt, amount, name, probability, expectedCloseDate or stageMovedAt")
	cmd.Flags().StringVar(&sortOrder, "order", "desc", "asc or desc")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip this many deals")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size (defaults to config)")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
}

func dealUpdateCmd() *cobra.Command {
	var name, desc, currency, owner, priority, expectedClose, contact, company, source, campaign string
	var amount float64
	var probability, score int
	var tags, collaborators []string
	var archive bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update deal fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.DealUpdate{ActorID: actorID()}
			changed := cmd.Flags().Changed
			strs := []struct {
				flag string
				val  *string
				dst  **string
			}{
				{"name", &name, &upd.Name},
				{"description", &desc, &upd.Description},
				{"currency", &currency, &upd.Currency},
				{"owner-id", &owner, &upd.OwnerID},
				{"contact-id", &contact, &upd.ContactID},
				{"company-id", &company, &upd.CompanyID},
				{"source", &source, &upd.Source},
				{"campaign", &campaign, &upd.Campaign},
			}
			for _, s := range strs {
				if changed(s.flag) {
					*s.dst = s.val
				}
			}
			if changed("amount") {
				upd.Amount = &amount
			}
			if changed("probability") {
				upd.Probability = &probability
			}
			if changed("score") {
				upd.Score = &score
			}
			if changed("tag") {
				upd.Tags = &tags
			}
			if changed("collaborator") {
				upd.Collaborators = &collaborators
			}
			if changed("priority") {
				p := domain.Priority(priority)
				upd.Priority = &p
			}
			if changed("expected-close") {
				t, err := parseDate("expected-close", expectedClose)
				if err != nil {
					return err
				}
				upd.ExpectedCloseDate = t
			}
			if archive {
				s := domain.StatusArchived
				upd.Status = &s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDeal(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deal name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Float64Var(&amount, "amount", 0, "deal value")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code")
	cmd.Flags().IntVar(&probability, "probability", 0, "probability 0-100")
	cmd.Flags().StringVar(&owner, "owner-id", "", "owner id")
	cmd.Flags().StringArrayVar(&collaborators, "collaborator", nil, "replace collaborators (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&expectedClose, "expected-close", "", "expected close date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&contact, "contact-id", "", "contact id")
	cmd.Flags().StringVar(&company, "company-id", "", "company id")
	cmd.Flags().StringVar(&source, "source", "", "lead source")
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign")
	cmd.Flags().IntVar(&score, "score", 0, "lead score")
	cmd.Flags().BoolVar(&archive, "archive", false, "archive the deal")
	return cmd
}

func dealMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <stage-id>",
		Short: "Move a deal to another stage of its pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.MoveDealToStage(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
}

func dealCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <id> <won|lost>",
		Short: "Mark a deal won or lost",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CloseDeal(ctx, args[0], domain.DealStatus(args[1]), actorID(), reason)
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "lost reason")
	return cmd
}

func dealReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed or archived deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReopenDeal(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printDeal(d)
			})
		},
	}
}

func dealDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a deal with its activities and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDeal(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted deal %s\n", args[0])
				return nil
			})
		},
	}
}

func dealRottingCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "rotting",
		Short: "List open deals idle past their stage's rotten days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRottingDeals(ctx, tenantID(e), pipelineID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderDeals(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline filter")
	return cmd
}

func activityCmd() *cobra.Command {
	a := &cobra.Command{Use: "activity", Short: "Deal activity timeline"}
	var typ, metaJSON string
	add := &cobra.Command{
		Use:   "add <deal-id> <description>",
		Short: "Record an activity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					return fmt.Errorf("--metadata: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := e.RecordActivity(ctx, args[0], domain.ActivityType(typ), args[1], meta, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	add.Flags().StringVar(&typ, "type", string(domain.ActivityNote), "note, call, email, meeting or task")
	add.Flags().StringVar(&metaJSON, "metadata", "", "metadata as a JSON object")

	var limit int
	list := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List activities, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActivities(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Type", "Description", "By"})
				for _, act := range items {
					tw.AppendRow(table.Row{act.CreatedAt.Format(time.RFC3339), act.Type, act.Description, act.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "number of activities")

	a.AddCommand(add, list)
	return a
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Follow-up tasks on deals",
		Long:  "Tasks schedule follow-ups. A deal's next activity always points at its earliest pending task.",
	}
	t.AddCommand(taskCreateCmd(), taskListCmd(), taskCompleteCmd(), taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var typ, priority, due string
	cmd := &cobra.Command{
		Use:   "create <deal-id>",
		Short: "Schedule a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDate("due", due)
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("--due is required")
			}
			opts.DealID = args[0]
			opts.DueDate = *d
			opts.Type = domain.TaskType(typ)
			opts.Priority = domain.TaskPriority(priority)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "call, email, meeting, follow_up or other")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List a deal's tasks by due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Due", "Status", "Priority", "Assignee"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.DueDate.Format(time.RFC3339), t.Status, t.Priority, t.AssigneeID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func forecastCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Weighted revenue forecast over open deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetForecast(ctx, tenantID(e), pipelineID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				fmt.Printf("Weighted: %s  Best case: %s  Worst case: %s\n", money(f.Weighted), money(f.BestCase), money(f.WorstCase))
				tw := newTable()
				tw.AppendHeader(table.Row{"Stage", "Deals", "Value", "Weighted"})
				for _, s := range f.ByStage {
					tw.AppendRow(table.Row{s.StageName, s.Count, money(s.Value), money(s.Weighted)})
				}
				tw.Render()
				if len(f.ByMonth) > 0 {
					mw := newTable()
					mw.AppendHeader(table.Row{"Month", "Expected", "Weighted"})
					for _, m := range f.ByMonth {
						mw.AppendRow(table.Row{m.Month, money(m.Expected), money(m.Weighted)})
					}
					mw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "limit to one pipeline")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Tenant-wide deal statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStats(ctx, tenantID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Pipelines", s.TotalPipelines},
					{"Deals", s.TotalDeals},
					{"Open", s.OpenDeals},
					{"Won", s.WonDeals},
					{"Lost", s.LostDeals},
					{"Archived", s.ArchivedDeals},
					{"Total value", money(s.TotalValue)},
					{"Won value", money(s.WonValue)},
					{"Average deal", money(s.AvgDealSize)},
					{"Average cycle (days)", s.AvgCycleTime},
					{"Win rate", fmt.Sprintf("%d%%", s.WinRate)},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func renderDeals(items []domain.Deal) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Amount", "Prob", "Status", "Owner", "Expected close", "Days in stage"})
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.Name, d.StageID, money(d.Amount) + " " + d.Currency, fmt.Sprintf("%d%%", d.Probability),
			d.Status, d.OwnerID, formatTime(d.ExpectedCloseDate), d.StageDuration})
	}
	tw.Render()
}

func printDeal(d domain.Deal) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	renderDeals([]domain.Deal{d})
	return nil
}

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

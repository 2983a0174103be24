package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealboard/internal/app"
	"dealboard/internal/board"
	"dealboard/internal/domain"
	"dealboard/internal/engine"
	"dealboard/internal/repo"
)

const dateLayout = "2006-01-02"

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Manage pipeline stages",
		Long:  "Stages can be referenced by id or by name (case-insensitive).",
	}
	st.AddCommand(stageListCmd())
	st.AddCommand(stageCreateCmd())
	st.AddCommand(stageRenameCmd())
	st.AddCommand(stageWIPCmd())
	st.AddCommand(stageReorderCmd())
	st.AddCommand(stageDeleteCmd())
	return st
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stages in board order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap := rt.Engine.Snapshot()
				if viper.GetBool("json") {
					return printJSON(snap.Stages)
				}
				counts := map[string]int{}
				for _, d := range snap.Deals {
					counts[d.StageID]++
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Name", "Deals", "WIP"})
				for _, s := range snap.Stages {
					wip := "-"
					if s.WIPLimit != nil {
						wip = fmt.Sprintf("%d", *s.WIPLimit)
					}
					tw.AppendRow(table.Row{s.Order, s.ID, s.Name, counts[s.ID], wip})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func stageCreateCmd() *cobra.Command {
	var name string
	var wip int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Append a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit *int
			if cmd.Flags().Changed("wip") {
				limit = &wip
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.CreateStage(ctx, name, limit, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&wip, "wip", 0, "WIP limit")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageRenameCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "rename <stage>",
		Short: "Rename a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := resolveStage(rt.Engine, args[0])
				if err != nil {
					return err
				}
				s, err := rt.Engine.UpdateStage(ctx, id, engine.StageUpdate{Name: &name}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageWIPCmd() *cobra.Command {
	var limit int
	var clearLimit bool
	cmd := &cobra.Command{
		Use:   "wip <stage>",
		Short: "Set or clear a stage's WIP limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearLimit == cmd.Flags().Changed("limit") {
				return fmt.Errorf("pass exactly one of --limit or --clear")
			}
			u := engine.StageUpdate{ClearWIPLimit: clearLimit}
			if !clearLimit {
				u.WIPLimit = &limit
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := resolveStage(rt.Engine, args[0])
				if err != nil {
					return err
				}
				s, err := rt.Engine.UpdateStage(ctx, id, u, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "WIP limit")
	cmd.Flags().BoolVar(&clearLimit, "clear", false, "remove the WIP limit")
	return cmd
}

func stageReorderCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "reorder <stage>",
		Short: "Move a stage to a new position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := resolveStage(rt.Engine, args[0])
				if err != nil {
					return err
				}
				stages, err := rt.Engine.ReorderStage(ctx, id, index, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(stages)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "target position (0-based)")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <stage>",
		Short: "Delete a stage, moving its deals to the first stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := resolveStage(rt.Engine, args[0])
				if err != nil {
					return err
				}
				res, err := rt.Engine.DeleteStage(ctx, id, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted %s; %d deal(s) moved to %s\n", res.Removed.Name, len(res.Reassigned), res.Target.Name)
				return nil
			})
		},
	}
}

func dealCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
	}
	d.AddCommand(dealListCmd())
	d.AddCommand(dealCreateCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealUpdateCmd())
	d.AddCommand(dealMoveCmd())
	d.AddCommand(dealDeleteCmd())
	d.AddCommand(dealScoreCmd())
	return d
}

func dealListCmd() *cobra.Command {
	var stage, owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals in board order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap := rt.Engine.Snapshot()
				stageID := ""
				if stage != "" {
					id, err := resolveStage(rt.Engine, stage)
					if err != nil {
						return err
					}
					stageID = id
				}
				names := map[string]string{}
				for _, s := range snap.Stages {
					names[s.ID] = s.Name
				}
				var deals []domain.Deal
				for _, d := range snap.Deals {
					if stageID != "" && d.StageID != stageID {
						continue
					}
					if owner != "" && d.OwnerID != owner {
						continue
					}
					deals = append(deals, d)
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "#", "Value", "Owner", "Company"})
				for _, d := range deals {
					tw.AppendRow(table.Row{d.ID, d.Title, names[d.StageID], d.Position, d.Value.StringFixed(2), d.OwnerID, d.Company})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	return cmd
}

type dealFlags struct {
	title, value, owner, stage, contact, company, reminder string
	tags, watchers                                         []string
}

func (f *dealFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "deal title")
	cmd.Flags().StringVar(&f.value, "value", "", "deal value, e.g. 1500.00")
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&f.contact, "contact", "", "contact name")
	cmd.Flags().StringVar(&f.company, "company", "", "company")
	cmd.Flags().StringVar(&f.reminder, "reminder", "", "reminder date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&f.watchers, "watcher", nil, "watcher id (repeatable)")
}

func parseValue(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --value %q", raw)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("--value must be >= 0")
	}
	return v, nil
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return &t, nil
}

func dealCreateCmd() *cobra.Command {
	var f dealFlags
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal at the bottom of a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseValue(f.value)
			if err != nil {
				return err
			}
			reminder, err := parseDate(f.reminder)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in := board.DealInput{
					ID:           id,
					Title:        f.title,
					Value:        value,
					OwnerID:      f.owner,
					Tags:         f.tags,
					Watchers:     f.watchers,
					ContactName:  f.contact,
					Company:      f.company,
					ReminderDate: reminder,
				}
				if f.stage != "" {
					stageID, err := resolveStage(rt.Engine, f.stage)
					if err != nil {
						return err
					}
					in.StageID = stageID
				}
				d, err := rt.Engine.CreateDeal(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.stage, "stage", "", "stage (defaults to the first)")
	cmd.Flags().StringVar(&id, "id", "", "deal id (generated if empty)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deal>",
		Short: "Show a deal with score, comments and activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e := rt.Engine
				d, err := e.GetDeal(args[0])
				if err != nil {
					return err
				}
				score, err := e.Score(d.ID)
				if err != nil {
					return err
				}
				comments, _ := e.Comments(d.ID)
				attachments, _ := e.Attachments(d.ID)
				activity, _ := e.Activity(d.ID)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"deal":        d,
						"score":       score,
						"comments":    comments,
						"attachments": attachments,
						"activity":    activity,
					})
				}
				fmt.Printf("%s  %s\n", d.ID, d.Title)
				fmt.Printf("Value: %s  Score: %d  Owner: %s\n", d.Value.StringFixed(2), score, d.OwnerID)
				if d.Company != "" || d.ContactName != "" {
					fmt.Printf("Contact: %s (%s)\n", d.ContactName, d.Company)
				}
				if len(d.Tags) > 0 {
					fmt.Printf("Tags: %s\n", strings.Join(d.Tags, ", "))
				}
				if d.ReminderDate != nil {
					fmt.Printf("Reminder: %s\n", d.ReminderDate.Format(dateLayout))
				}
				for _, c := range comments {
					fmt.Printf("  [%s] %s: %s\n", c.Timestamp.Format(time.DateTime), c.Author, c.Text)
				}
				for _, a := range attachments {
					fmt.Printf("  attachment %s (%s, %d bytes)\n", a.Name, a.MimeType, a.Size)
				}
				fmt.Println("Activity:")
				for _, a := range activity {
					fmt.Printf("  %s %-10s %s (%s)\n", a.Timestamp.Format(time.DateTime), a.Type, a.Message, a.User)
				}
				return nil
			})
		},
	}
}

func dealUpdateCmd() *cobra.Command {
	var f dealFlags
	var clearReminder bool
	cmd := &cobra.Command{
		Use:   "update <deal>",
		Short: "Edit deal fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := cmd.Flags().Changed
			p := board.DealPatch{ClearReminder: clearReminder}
			if changed("title") {
				p.Title = &f.title
			}
			if changed("value") {
				v, err := parseValue(f.value)
				if err != nil {
					return err
				}
				p.Value = &v
			}
			if changed("owner") {
				p.OwnerID = &f.owner
			}
			if changed("contact") {
				p.ContactName = &f.contact
			}
			if changed("company") {
				p.Company = &f.company
			}
			if changed("tag") {
				p.Tags = &f.tags
			}
			if changed("watcher") {
				p.Watchers = &f.watchers
			}
			if changed("reminder") {
				r, err := parseDate(f.reminder)
				if err != nil {
					return err
				}
				p.ReminderDate = r
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.UpdateDeal(ctx, args[0], p, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&clearReminder, "clear-reminder", false, "remove the reminder date")
	return cmd
}

func dealMoveCmd() *cobra.Command {
	var stage string
	var index int
	cmd := &cobra.Command{
		Use:   "move <deal>",
		Short: "Move a deal to a stage position",
		Long:  "Index is clamped to the column; omit it to drop the deal at the bottom of the stage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stageID, err := resolveStage(rt.Engine, stage)
				if err != nil {
					return err
				}
				to := index
				if !cmd.Flags().Changed("index") {
					to = stageSize(rt.Engine, stageID)
				}
				res, err := rt.Engine.MoveDeal(ctx, args[0], stageID, to, actorID())
				if err != nil {
					return err
				}
				if res.Warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", res.Warning)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Moved {
					fmt.Println("Deal already in place")
					return nil
				}
				if res.Entry != nil {
					fmt.Println(res.Entry.Message)
					return nil
				}
				fmt.Printf("Moved to position %d\n", res.Deal.Position)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "target stage")
	cmd.Flags().IntVar(&index, "index", 0, "target position (0-based)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func dealDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <deal>",
		Short: "Delete a deal; its activity is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entry, err := rt.Engine.DeleteDeal(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func dealScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <deal>",
		Short: "Show a deal's 0-100 score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				score, err := rt.Engine.Score(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deal_id": args[0], "score": score})
				}
				fmt.Println(score)
				return nil
			})
		},
	}
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "comment",
		Short: "Deal comments",
	}
	var text string
	add := &cobra.Command{
		Use:   "add <deal>",
		Short: "Comment on a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cm, err := rt.Engine.AddComment(ctx, args[0], text, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cm)
			})
		},
	}
	add.Flags().StringVar(&text, "text", "", "comment text")
	_ = add.MarkFlagRequired("text")
	c.AddCommand(add)
	c.AddCommand(&cobra.Command{
		Use:   "list <deal>",
		Short: "List comments newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Comments(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "delete <deal> <comment>",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.DeleteComment(ctx, args[0], args[1], actorID())
			})
		},
	})
	return c
}

func attachCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "attach",
		Short: "Deal attachments",
	}
	var file, mimeType string
	add := &cobra.Command{
		Use:   "add <deal>",
		Short: "Upload a file to a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fh, err := os.Open(file)
			if err != nil {
				return err
			}
			defer fh.Close()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				att, err := rt.Engine.AddAttachment(ctx, args[0], board.File{
					Name:     filepath.Base(file),
					MimeType: mimeType,
					Content:  fh,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	add.Flags().StringVar(&file, "file", "", "path of the file to upload")
	add.Flags().StringVar(&mimeType, "mime", "", "MIME type (sniffed when empty)")
	_ = add.MarkFlagRequired("file")
	a.AddCommand(add)
	a.AddCommand(&cobra.Command{
		Use:   "list <deal>",
		Short: "List attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Attachments(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "delete <deal> <attachment>",
		Short: "Remove an attachment and its stored content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.DeleteAttachment(ctx, args[0], args[1], actorID())
			})
		},
	})
	return a
}

func activityCmd() *cobra.Command {
	var dealID, typ string
	var n int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Board activity, newest first",
		Long:  "Includes entries of deleted deals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Engine.Repo.ListActivity(ctx, repo.ActivityFilters{
					BoardID: rt.Engine.BoardID,
					DealID:  dealID,
					Type:    typ,
					Limit:   n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "When", "Deal", "Type", "Message", "User"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.Seq, a.Timestamp.Format(time.DateTime), a.DealID, a.Type, a.Message, a.User})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "deal filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter ("+strings.Join(domain.ActivityTypes, ", ")+")")
	cmd.Flags().IntVar(&n, "n", 50, "max entries")
	return cmd
}

func analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Funnel, leaderboard and activity summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep := rt.Engine.Analytics()
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				funnel := newTable()
				funnel.SetTitle("Funnel")
				funnel.AppendHeader(table.Row{"Stage", "Deals", "Next", "Conversion", "Value"})
				for _, f := range rep.Funnel {
					funnel.AppendRow(table.Row{f.Stage, f.Count, f.NextStageCount, fmt.Sprintf("%.0f%%", f.Conversion*100), f.TotalValue.StringFixed(2)})
				}
				fmt.Println(funnel.Render())

				leaders := newTable()
				leaders.SetTitle("Leaderboard")
				leaders.AppendHeader(table.Row{"Owner", "Deals", "Won", "Value"})
				for _, o := range rep.Leaderboard {
					leaders.AppendRow(table.Row{o.OwnerID, o.Deals, o.Won, o.TotalValue.StringFixed(2)})
				}
				fmt.Println(leaders.Render())

				types := newTable()
				types.SetTitle("Activity by type")
				types.AppendHeader(table.Row{"Type", "Count"})
				for _, tc := range rep.ActivityByType {
					types.AppendRow(table.Row{tc.Type, tc.Count})
				}
				fmt.Println(types.Render())
				return nil
			})
		},
	}
}

// resolveStage accepts a stage id or a stage name.
func resolveStage(e engine.Engine, ref string) (string, error) {
	st, err := e.Board.FindStage(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func stageSize(e engine.Engine, stageID string) int {
	n := 0
	for _, d := range e.Snapshot().Deals {
		if d.StageID == stageID {
			n++
		}
	}
	return n
}

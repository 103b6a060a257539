package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyp0633/libseries/icalendar"
	"github.com/cyp0633/libseries/internal/config"
	"github.com/cyp0633/libseries/internal/worker"
	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/samber/mo"
	"github.com/spf13/cobra"
	"github.com/teambition/rrule-go"
)

// localLayout is accepted by every time flag besides RFC 3339
const localLayout = "2006-01-02T15:04"

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation(localLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q is neither RFC 3339 nor %s", errUsage, s, localLayout)
	}
	return t, nil
}

// parseRule reads an RRULE value such as FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10
func parseRule(s string) (recurrence.Rule, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(s, "RRULE:"))
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return icalendar.RuleFromROption(*opt)
}

func (c *cli) createCmd() *cobra.Command {
	var (
		id, title, description, place string
		start, tz, rule                string
		duration                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a series, or a standalone event when --rrule is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := c.location(tz)
			if err != nil {
				return err
			}
			startAt, err := parseTime(start, loc)
			if err != nil {
				return err
			}

			if rule == "" {
				inst, err := c.coord.CreateStandaloneEvent(cmd.Context(), &storage.Instance{
					ID:          id,
					Start:       startAt,
					End:         startAt.Add(duration),
					Title:       title,
					Description: description,
					Location:    place,
				})
				if err != nil {
					return err
				}
				return c.printInstance(cmd, inst)
			}

			r, err := parseRule(rule)
			if err != nil {
				return err
			}
			tpl, err := c.coord.CreateTemplate(cmd.Context(), &storage.Template{
				ID:          id,
				Title:       title,
				Description: description,
				Location:    place,
				StartAt:     startAt,
				EndAt:       startAt.Add(duration),
				TimeZone:    loc.String(),
				Rule:        &r,
			}, storage.Window{Start: startAt, End: c.horizon(startAt)})
			if err != nil {
				return err
			}
			return c.printTemplate(cmd, tpl)
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "Identifier; generated when empty")
	f.StringVar(&title, "title", "", "Title")
	f.StringVar(&description, "description", "", "Description")
	f.StringVar(&place, "location", "", "Location")
	f.StringVar(&start, "start", "", "First occurrence start ("+localLayout+" or RFC 3339)")
	f.DurationVar(&duration, "duration", time.Hour, "Length of every occurrence")
	f.StringVar(&tz, "tz", "", "IANA time zone; defaults to the configured one")
	f.StringVar(&rule, "rrule", "", "Recurrence rule, e.g. FREQ=DAILY;COUNT=5")
	cmd.MarkFlagRequired("start")
	return cmd
}

func (c *cli) materializeCmd() *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "materialize <template-id>",
		Short: "Generate the instances of a series up to a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := c.store.GetTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			end := c.horizon(tpl.StartAt)
			if until != "" {
				loc, err := tpl.TimeLocation()
				if err != nil {
					return err
				}
				if end, err = parseTime(until, loc); err != nil {
					return err
				}
			}
			plan, err := c.coord.Materialize(cmd.Context(), tpl.ID, storage.Window{Start: tpl.StartAt, End: end})
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]int{
				"created": len(plan.Create),
				"updated": len(plan.Update),
				"deleted": len(plan.Delete),
			}, fmt.Sprintf("created %d, updated %d, deleted %d", len(plan.Create), len(plan.Update), len(plan.Delete)))
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "Window end; defaults to the configured horizon")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var from, to, tz string
	var standalone bool
	cmd := &cobra.Command{
		Use:   "list [template-id]",
		Short: "List the occurrences of a series, or every standalone event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if standalone == (len(args) == 1) {
				return fmt.Errorf("%w: pass a template id or --standalone", errUsage)
			}
			loc, err := c.location(tz)
			if err != nil {
				return err
			}
			window := recurrence.Unbounded()
			if from != "" {
				if window.Start, err = parseTime(from, loc); err != nil {
					return err
				}
			}
			if to != "" {
				if window.End, err = parseTime(to, loc); err != nil {
					return err
				}
			}

			var occ []series.EffectiveOccurrence
			if standalone {
				insts, err := c.store.ListInstances(cmd.Context(), "", window)
				if err != nil {
					return err
				}
				for _, inst := range insts {
					occ = append(occ, series.Resolve(nil, inst))
				}
			} else {
				occ, err = c.coord.ListOccurrences(cmd.Context(), args[0], window)
				if err != nil {
					return err
				}
			}
			return c.printOccurrences(cmd, occ, loc)
		},
	}
	f := cmd.Flags()
	f.StringVar(&from, "from", "", "Only occurrences originally starting at or after this time")
	f.StringVar(&to, "to", "", "Only occurrences originally starting before this time")
	f.StringVar(&tz, "tz", "", "Zone to print times in")
	f.BoolVar(&standalone, "standalone", false, "List standalone events")
	return cmd
}

func (c *cli) editCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "edit <instance-id>",
		Short: "Override fields of one occurrence",
		Long: `Override fields of one occurrence. Fields are start_time and end_time
(HH:MM local time) and title, description and location.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := storage.Overrides{}
			for _, s := range sets {
				field, value, ok := strings.Cut(s, "=")
				if !ok {
					return fmt.Errorf("%w: --set %q is not field=value", errUsage, s)
				}
				overrides[storage.Field(field)] = value
			}
			inst, err := c.coord.EditInstance(cmd.Context(), args[0], overrides)
			if err != nil {
				return err
			}
			return c.printInstance(cmd, inst)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value; repeatable")
	cmd.MarkFlagRequired("set")
	return cmd
}

func (c *cli) splitCmd() *cobra.Command {
	var (
		title, description, place, rule string
		duration                        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "split <instance-id>",
		Short: "Change this and all following occurrences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes series.TemplateChanges
			f := cmd.Flags()
			if f.Changed("title") {
				changes.Title = mo.Some(title)
			}
			if f.Changed("description") {
				changes.Description = mo.Some(description)
			}
			if f.Changed("location") {
				changes.Location = mo.Some(place)
			}
			if f.Changed("duration") {
				changes.Duration = mo.Some(duration)
			}
			if f.Changed("rrule") {
				r, err := parseRule(rule)
				if err != nil {
					return err
				}
				changes.Rule = mo.Some(r)
			}
			tpl, err := c.coord.UpdateThisAndFollowingEvents(cmd.Context(), args[0], changes)
			if err != nil {
				return err
			}
			return c.printTemplate(cmd, tpl)
		},
	}
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "New title")
	f.StringVar(&description, "description", "", "New description")
	f.StringVar(&place, "location", "", "New location")
	f.DurationVar(&duration, "duration", 0, "New length")
	f.StringVar(&rule, "rrule", "", "New recurrence rule")
	return cmd
}

func (c *cli) deleteInstanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-instance <instance-id>",
		Short: "Delete one occurrence of a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := c.coord.DeleteSingleEventInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printInstance(cmd, inst)
		},
	}
}

func (c *cli) deleteFollowingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-following <instance-id>",
		Short: "Delete an occurrence and every later one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := c.coord.DeleteThisAndFollowingEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printTemplate(cmd, tpl)
		},
	}
}

func (c *cli) deleteSeriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-series <template-id>",
		Short: "Delete a series and all of its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.coord.DeleteEntireRecurringEventSeries(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.print(cmd, map[string]string{"deleted": args[0]}, "deleted "+args[0])
		},
	}
}

func (c *cli) deleteEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-event <instance-id>",
		Short: "Delete a standalone event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.coord.DeleteStandaloneEvent(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.print(cmd, map[string]string{"deleted": args[0]}, "deleted "+args[0])
		},
	}
}

func (c *cli) convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <template-or-instance-id>",
		Short: "Turn a series into a single standalone event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := c.coord.ConvertRecurringToStandalone(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printInstance(cmd, inst)
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every series and standalone event as iCalendar or xCal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := c.collect(cmd)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			switch format {
			case "ics":
				return icalendar.Encode(w, exp)
			case "xcal":
				return icalendar.EncodeXCal(w, exp)
			default:
				return fmt.Errorf("%w: unknown format %q", errUsage, format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ics", "ics or xcal")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file")
	return cmd
}

// collect reads the whole store into an export
func (c *cli) collect(cmd *cobra.Command) (icalendar.Export, error) {
	ctx := cmd.Context()
	exp := icalendar.Export{Stamp: c.now()}

	tpls, err := c.store.ListTemplates(ctx)
	if err != nil {
		return exp, err
	}
	for _, tpl := range tpls {
		insts, err := c.store.ListInstances(ctx, tpl.ID, recurrence.Unbounded())
		if err != nil {
			return exp, err
		}
		exp.Series = append(exp.Series, icalendar.Series{Template: tpl, Instances: insts})
	}
	exp.Standalone, err = c.store.ListInstances(ctx, "", recurrence.Unbounded())
	return exp, err
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import an iCalendar file; - reads standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			imp, err := icalendar.Decode(r)
			if err != nil {
				return err
			}
			res, err := imp.Apply(cmd.Context(), c.coord, c.cfg.Worker.Horizon(c.now()))
			if err != nil {
				return err
			}
			if res.Skipped > 0 {
				c.logger.Warn("exceptions outside the materialized window were skipped", "count", res.Skipped)
			}
			return c.print(cmd, res, fmt.Sprintf("imported %d series and %d events", res.Series, res.Standalone))
		},
	}
}

func (c *cli) workerCmd() *cobra.Command {
	var once bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the extension, retention and GC jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []worker.Option{worker.WithLogger(c.logger), worker.WithClock(c.now)}
			if c.gc != nil {
				opts = append(opts, worker.WithGarbageCollector(c.gc, c.cfg.Storage.GCDiscardRatio))
			}
			w := worker.New(c.store, c.coord, c.cfg.Worker, opts...)

			if once {
				return runOnce(cmd, w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, c.logger)
				defer shutdownMetrics(srv, c.logger)
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			c.logger.Info("signal received, shutting down")
			w.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run every job once and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runOnce(cmd *cobra.Command, w *worker.Worker) error {
	ctx := cmd.Context()
	ext, err := w.ExtendOnce(ctx)
	if err != nil {
		return err
	}
	removed, err := w.CleanupOnce(ctx)
	if err != nil {
		return err
	}
	if err := w.CollectGarbageOnce(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "extended %d series (%d created, %d skipped), removed %d instances\n",
		ext.Series, ext.Created, ext.Skipped, removed)
	return nil
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(c.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", c.configPath)
			}
			if err := config.Save(c.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", c.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

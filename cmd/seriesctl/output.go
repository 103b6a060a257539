package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const printLayout = "2006-01-02 15:04 MST"

// print writes v as JSON in --json mode and text otherwise
func (c *cli) print(cmd *cobra.Command, v any, text string) error {
	if c.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func (c *cli) printTemplate(cmd *cobra.Command, tpl *storage.Template) error {
	rule := "none"
	if tpl.Rule != nil {
		rule = tpl.Rule.String()
	}
	return c.print(cmd, tpl, fmt.Sprintf("%s  %s  %s  %s",
		tpl.ID, tpl.StartAt.Format(printLayout), rule, tpl.Title))
}

func (c *cli) printInstance(cmd *cobra.Command, inst *storage.Instance) error {
	state := ""
	if inst.Cancelled {
		state = "  (cancelled)"
	}
	return c.print(cmd, inst, fmt.Sprintf("%s  %s  %s%s",
		inst.ID, inst.Start.Format(printLayout), inst.Title, state))
}

func (c *cli) printOccurrences(cmd *cobra.Command, occ []series.EffectiveOccurrence, loc *time.Location) error {
	if c.jsonOut {
		if occ == nil {
			occ = []series.EffectiveOccurrence{}
		}
		return c.print(cmd, occ, "")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTART\tEND\tTITLE\tID")
	for _, o := range occ {
		index := "-"
		if o.GenerationIndex > 0 {
			index = fmt.Sprint(o.GenerationIndex)
		}
		if o.IsException {
			index += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			index,
			o.Start.In(loc).Format(printLayout),
			o.End.In(loc).Format("15:04"),
			o.Title,
			o.InstanceID)
	}
	return tw.Flush()
}

// serveMetrics exposes the default Prometheus registry on addr
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

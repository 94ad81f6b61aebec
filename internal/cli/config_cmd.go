package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"focusstack/internal/features"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate focusstack configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("FOCUSSTACK_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/focusstack/config.json"
	}
	fmt.Fprintf(r.out, "Config file: %s\n\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(data))
	return nil
}

func (r *Root) printVersion() {
	fmt.Fprintf(r.out, "focusstack %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(r.out, "Detectors: %s\n", strings.Join(features.Available(), ", "))
	fmt.Fprintf(r.out, "Codec: %s\n", r.cfg.Stacking.Codec)
}

func (r *Root) listJobs(limit int) error {
	recs, err := r.store.RecentJobs(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(r.out, "No jobs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tOUTPUT")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.OutputPath)
	}
	return tw.Flush()
}

func (r *Root) showJob(id string) error {
	rec, err := r.store.Job(id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	fmt.Fprintf(r.out, "Job %s (%s): %s\n", rec.ID, rec.JobType, rec.Status)
	fmt.Fprintf(r.out, "  input:  %s\n", rec.InputPath)
	fmt.Fprintf(r.out, "  output: %s\n", rec.OutputPath)
	if rec.Error != "" {
		fmt.Fprintf(r.out, "  error:  %s\n", rec.Error)
	}

	frames, err := r.store.FrameAlignments(id)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}
	fmt.Fprintln(r.out)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tMATCHES\tINLIERS\tSTATUS\tPATH")
	for _, fa := range frames {
		status := "aligned"
		if fa.Skipped {
			status = "skipped"
		} else if fa.Error != "" {
			status = "failed"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", fa.FrameIndex, fa.Matches, fa.Inliers, status, fa.Path)
	}
	return tw.Flush()
}

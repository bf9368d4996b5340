package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/registry"
	"github.com/mtzanidakis/swarmer/internal/schedule"
	"github.com/mtzanidakis/swarmer/internal/store"
)

var (
	jobsLimit   int
	showBatches bool
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect job history",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE:  runJobsList,
	}
	listCmd.Flags().IntVar(&jobsLimit, "limit", 20, "number of jobs to show (0 for all)")
	jobsCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show JOB",
		Short: "Show a job and its output",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsShow,
	}
	showCmd.Flags().BoolVar(&showBatches, "batches", false, "include per-batch results")
	jobsCmd.AddCommand(showCmd)

	rootCmd.AddCommand(jobsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "workers",
		Short: "List configured workers",
		RunE:  runWorkers,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "schedules",
		Short: "List swarm schedules and their last runs",
		RunE:  runSchedules,
	})
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func runJobsList(_ *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := db.ListJobs(jobsLimit)
	if err != nil {
		return err
	}
	writeJobs(os.Stdout, jobs)
	return nil
}

func writeJobs(out io.Writer, jobs []store.SwarmJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSWARM\tSTATUS\tBATCHES\tFAILED\tSTARTED\tDURATION")
	for _, j := range jobs {
		duration := "-"
		if j.CompletedAt != nil {
			duration = j.CompletedAt.Sub(j.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			j.ID, j.Swarm, j.Status, j.TotalBatches, j.Failed,
			j.StartedAt.Local().Format(time.DateTime), duration)
	}
	w.Flush()
}

func runJobsShow(_ *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := db.GetJob(args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", args[0])
	}

	var batches []store.BatchRecord
	if showBatches {
		if batches, err = db.ListBatchResults(job.ID); err != nil {
			return err
		}
	}
	writeJob(os.Stdout, job, batches)
	return nil
}

func writeJob(out io.Writer, job *store.SwarmJob, batches []store.BatchRecord) {
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Swarm:    %s (worker %s, %s)\n", job.Swarm, job.WorkerID, job.Strategy)
	fmt.Fprintf(out, "Status:   %s\n", job.Status)
	fmt.Fprintf(out, "Items:    %d in %d batches, %d completed, %d failed\n",
		job.TotalItems, job.TotalBatches, job.Completed, job.Failed)
	if job.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", job.Error)
	}
	fmt.Fprintf(out, "Message:  %s\n", firstLine(job.Message))

	if len(batches) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tITEMS\tSTATUS\tRETRIES\tDURATION\tERROR")
		for _, b := range batches {
			status := "completed"
			if !b.Success {
				status = "failed"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\n", b.BatchIndex, b.ItemCount, status, b.Retries,
				(time.Duration(b.DurationMs) * time.Millisecond).String(), b.Error)
		}
		w.Flush()
	}

	if job.Output != "" {
		fmt.Fprintf(out, "\n%s\n", job.Output)
	}
}

func runWorkers(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := registry.New(nil, cfg.Workers, cfg.Defaults)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tCOMMAND\tDESCRIPTION")
	for _, id := range reg.IDs() {
		def, _ := reg.Resolve(id)
		command := def.Command
		if command == "" {
			command = "(remote)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, def.Model, command, def.Description)
	}
	return w.Flush()
}

func runSchedules(_ *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	schedules, err := db.ListSchedules()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SWARM\tSCHEDULE\tNEXT RUN\tLAST RUN\tLAST STATUS\tLAST JOB")
	for _, sc := range schedules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", sc.Swarm, schedule.Describe(sc.Schedule),
			formatTime(sc.NextRunAt), formatTime(sc.LastRunAt), orDash(sc.LastStatus), orDash(sc.LastJobID))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/natsbus"
)

var (
	runFiles   []string
	runAsync   bool
	runTimeout time.Duration
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run SWARM [MESSAGE...]",
		Short: "Run a swarm job on the gateway",
		Long: `Submit a job to the named swarm and print its reduced output.
The message is read from stdin when it is "-" or omitted and stdin is not a
terminal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(cmd.Context(), natsbus.TopicSwarmRun(args[0]), args[0], args[1:])
		},
	}
	submitCmd := &cobra.Command{
		Use:   "submit [MESSAGE...]",
		Short: "Submit a message and let the gateway route it to a swarm",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(cmd.Context(), natsbus.TopicSwarmSubmit, "", args)
		},
	}
	for _, c := range []*cobra.Command{runCmd, submitCmd} {
		c.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "attach a file whose contents become items (repeatable)")
		c.Flags().BoolVar(&runAsync, "async", false, "print the job id and return without waiting")
		c.Flags().DurationVar(&runTimeout, "timeout", time.Hour, "how long to wait for the result")
		rootCmd.AddCommand(c)
	}
}

func submitJob(ctx context.Context, topic, swarmName string, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	message, err := readMessage(args, os.Stdin)
	if err != nil {
		return err
	}

	req := natsbus.SubmitRequest{Swarm: swarmName, Message: message, Wait: !runAsync}
	for _, path := range runFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		req.Files = append(req.Files, natsbus.SubmitFile{Name: filepath.Base(path), Content: string(data)})
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Files) == 0 {
		return errors.New("nothing to submit: give a message or --file")
	}

	client, err := natsbus.NewClientFromURL(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	msg, err := client.RequestContext(ctx, topic, payload)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	var resp natsbus.SubmitResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return printSubmitResponse(os.Stdout, os.Stderr, resp, runAsync)
}

func printSubmitResponse(stdout, stderr io.Writer, resp natsbus.SubmitResponse, async bool) error {
	if resp.JobID == "" && resp.Error != "" {
		return errors.New(resp.Error)
	}
	if async {
		fmt.Fprintln(stdout, resp.JobID)
		return nil
	}

	fmt.Fprintf(stderr, "job %s (%s): %s, %d/%d batches succeeded\n",
		resp.JobID, resp.Swarm, resp.Status, resp.Completed, resp.Total)
	if resp.Error != "" {
		fmt.Fprintf(stderr, "warning: %s\n", resp.Error)
	}
	if resp.Output != "" {
		fmt.Fprintln(stdout, resp.Output)
	}
	if resp.Status == "failed" {
		return fmt.Errorf("job %s failed", resp.JobID)
	}
	return nil
}

// readMessage joins the message arguments, or reads stdin for "-" or when
// no arguments are given and stdin is piped.
func readMessage(args []string, stdin *os.File) (string, error) {
	if len(args) == 1 && args[0] == "-" || len(args) == 0 && !isTerminal(stdin) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&os.ModeCharDevice != 0
}

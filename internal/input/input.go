// Package input resolves the item list of a swarm job from the submitted
// message, attached files and the swarm's input command.
package input

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/shell"
	"github.com/mtzanidakis/swarmer/internal/swarm"
	"github.com/mtzanidakis/swarmer/internal/template"
)

// Sources, in priority order.
const (
	SourceInline   = "inline"
	SourceFiles    = "files"
	SourceCommand  = "command"
	SourceBacktick = "backtick"
	SourceLines    = "message-lines"
)

const defaultCommandTimeout = 5 * time.Minute

type Resolver struct {
	runner         shell.Runner
	maxItems       atomic.Int64
	commandTimeout time.Duration
}

func New(runner shell.Runner, maxItems int) *Resolver {
	if runner == nil {
		runner = shell.Sh{}
	}
	if maxItems <= 0 {
		maxItems = config.DefaultMaxItems
	}
	r := &Resolver{
		runner:         runner,
		commandTimeout: defaultCommandTimeout,
	}
	r.maxItems.Store(int64(maxItems))
	return r
}

// SetMaxItems changes the item cap for jobs resolved from now on.
func (r *Resolver) SetMaxItems(n int) {
	if n <= 0 {
		n = config.DefaultMaxItems
	}
	r.maxItems.Store(int64(n))
}

// Resolve returns the items for one job. The first source that yields
// items wins: inline array, attached files, the swarm input command, a
// backtick command in the message, then the message lines when there is
// more than one.
func (r *Resolver) Resolve(ctx context.Context, cfg config.SwarmConfig, message string, files []swarm.File) ([]string, error) {
	items, source, err := r.resolve(ctx, cfg, message, files)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, swarm.ErrNoItems
	}

	if maxItems := int(r.maxItems.Load()); len(items) > maxItems {
		slog.Warn("input exceeds max items, truncating", "swarm", cfg.Name,
			"items", len(items), "max_items", maxItems)
		items = items[:maxItems]
	}

	slog.Info("resolved swarm input", "swarm", cfg.Name, "source", source, "items", len(items))
	return items, nil
}

func (r *Resolver) resolve(ctx context.Context, cfg config.SwarmConfig, message string, files []swarm.File) ([]string, string, error) {
	if items, ok := swarm.ExtractInline(message); ok {
		return items, SourceInline, nil
	}

	if len(files) > 0 {
		var items []string
		for _, f := range files {
			items = append(items, swarm.ParseItems(f.Content, cfg.Input.Type)...)
		}
		if len(items) > 0 {
			return items, SourceFiles, nil
		}
	}

	if cfg.Input.Command != "" {
		command := template.Resolve(cfg.Input.Command, message)
		items, err := r.run(ctx, command, cfg.Input.Type)
		if err != nil {
			return nil, "", fmt.Errorf("input command: %w", err)
		}
		if len(items) > 0 {
			return items, SourceCommand, nil
		}
	}

	if command, ok := template.Backtick(message); ok {
		items, err := r.run(ctx, command, cfg.Input.Type)
		if err != nil {
			slog.Warn("backtick command failed", "swarm", cfg.Name, "error", err)
		} else if len(items) > 0 {
			return items, SourceBacktick, nil
		}
	}

	if lines := swarm.MessageLines(message); len(lines) > 1 {
		return lines, SourceLines, nil
	}

	return nil, "", nil
}

func (r *Resolver) run(ctx context.Context, command, mode string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	slog.Debug("running input command", "command", command)
	out, err := r.runner.Run(ctx, command, nil, nil)
	if err != nil {
		return nil, err
	}
	return swarm.ParseItems(strings.TrimSpace(out), mode), nil
}

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

var ErrNoDefaultSwarm = errors.New("no default swarm configured")

// Classifier picks a swarm for a free-text message.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

type Router struct {
	mu           sync.RWMutex
	swarms       map[string]string // name -> description
	defaultSwarm string
	classifier   Classifier
}

func New(swarms map[string]config.SwarmConfig, cfg config.RouterConfig) *Router {
	r := &Router{defaultSwarm: cfg.DefaultSwarm}
	r.UpdateSwarms(swarms)
	return r
}

func (r *Router) SetClassifier(c Classifier) {
	r.mu.Lock()
	r.classifier = c
	r.mu.Unlock()
}

// UpdateSwarms replaces the routable swarm set.
func (r *Router) UpdateSwarms(swarms map[string]config.SwarmConfig) {
	descs := make(map[string]string, len(swarms))
	for name, sw := range swarms {
		descs[name] = sw.Description
	}
	r.mu.Lock()
	r.swarms = descs
	r.mu.Unlock()
}

// Route picks the swarm for a message and returns the message without its
// routing prefix.
func (r *Router) Route(ctx context.Context, message string) (swarmName string, cleanedMessage string, err error) {
	message = strings.TrimSpace(message)

	r.mu.RLock()
	swarms := r.swarms
	defaultSwarm := r.defaultSwarm
	classifier := r.classifier
	r.mu.RUnlock()

	// 0. Explicit "@swarm <name> <task>"
	if rest, ok := strings.CutPrefix(message, "@swarm "); ok {
		name, task, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if _, ok := swarms[name]; !ok {
			return "", message, fmt.Errorf("%w: %s", swarm.ErrUnknownSwarm, name)
		}
		return name, strings.TrimSpace(task), nil
	}

	// 1. "@<name> <task>"
	if strings.HasPrefix(message, "@") {
		head, task, _ := strings.Cut(message, " ")
		name := strings.TrimPrefix(head, "@")
		if _, ok := swarms[name]; ok {
			return name, strings.TrimSpace(task), nil
		}
		// Unknown name in prefix, fall through to classification
	}

	// 2. Ask the classifier worker
	if classifier != nil && len(swarms) > 1 {
		picked, cerr := classifier.Classify(ctx, buildRoutingPrompt(swarms, message))
		if cerr != nil {
			slog.Debug("swarm classification failed, using default swarm", "error", cerr)
		} else {
			picked = strings.TrimSpace(picked)
			if _, ok := swarms[picked]; ok {
				return picked, message, nil
			}
			slog.Debug("classifier returned unknown swarm, using default", "swarm", picked)
		}
	}

	// 3. Default swarm
	if defaultSwarm == "" {
		return "", message, ErrNoDefaultSwarm
	}
	return defaultSwarm, message, nil
}

func (r *Router) DefaultSwarm() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSwarm
}

func (r *Router) SetDefaultSwarm(name string) {
	r.mu.Lock()
	r.defaultSwarm = name
	r.mu.Unlock()
}

func buildRoutingPrompt(swarms map[string]string, message string) string {
	names := make([]string, 0, len(swarms))
	for name := range swarms {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("You are a job router. Given the user's message, decide which batch job should process it.\n\n")
	sb.WriteString("Available jobs:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, swarms[name])
	}
	sb.WriteString("\nUser message: ")
	sb.WriteString(message)
	sb.WriteString("\n\nRespond with ONLY the job name, nothing else.")
	return sb.String()
}

package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SwarmsAdded   []string
	SwarmsRemoved []string
	SwarmsChanged []string

	WorkersAdded   []string
	WorkersRemoved []string
	WorkersChanged []string

	DefaultsChanged bool

	RouterChanged   bool
	NewDefaultSwarm string

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.SwarmsAdded) > 0 ||
		len(d.SwarmsRemoved) > 0 ||
		len(d.SwarmsChanged) > 0 ||
		len(d.WorkersAdded) > 0 ||
		len(d.WorkersRemoved) > 0 ||
		len(d.WorkersChanged) > 0 ||
		d.DefaultsChanged ||
		d.RouterChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	d.SwarmsAdded, d.SwarmsRemoved, d.SwarmsChanged = diffMaps(old.Swarms, new.Swarms)
	d.WorkersAdded, d.WorkersRemoved, d.WorkersChanged = diffMaps(old.Workers, new.Workers)

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
	}

	if old.Router != new.Router {
		d.RouterChanged = true
		d.NewDefaultSwarm = new.Router.DefaultSwarm
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.Host != new.NATS.Host {
		d.NonReloadable = append(d.NonReloadable, "nats.host")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Metrics != new.Metrics {
		d.NonReloadable = append(d.NonReloadable, "metrics")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if !reflect.DeepEqual(old.Telegram, new.Telegram) {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if old.Executor.Timeout != new.Executor.Timeout {
		d.NonReloadable = append(d.NonReloadable, "executor.timeout")
	}

	return d
}

func diffMaps[V any](old, new map[string]V) (added, removed, changed []string) {
	for name := range new {
		if _, ok := old[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range old {
		if _, ok := new[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, nv := range new {
		if ov, ok := old[name]; ok && !reflect.DeepEqual(ov, nv) {
			changed = append(changed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

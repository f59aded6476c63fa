package config

import (
	"reflect"
)

// Changes splits the sections that differ between two configs into those the
// running process applies in place and those that need a restart. Secrets are
// compared but never returned as values.
func Changes(oldCfg, newCfg *Config) (hot, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		hot = append(hot, "logging")
	}
	if !reflect.DeepEqual(oldCfg.AutoReplies, newCfg.AutoReplies) {
		hot = append(hot, "auto_replies")
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"timezone", oldCfg.Timezone, newCfg.Timezone},
		{"roles", oldCfg.Roles, newCfg.Roles},
		{"commands", oldCfg.Commands, newCfg.Commands},
		{"registration", oldCfg.Registration, newCfg.Registration},
		{"stats_keyword", oldCfg.StatsKeyword, newCfg.StatsKeyword},
		{"quiet", oldCfg.Quiet, newCfg.Quiet},
		{"relay", oldCfg.Relay, newCfg.Relay},
		{"push", oldCfg.Push, newCfg.Push},
		{"line", oldCfg.Line, newCfg.Line},
		{"discord", oldCfg.Discord, newCfg.Discord},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"http", oldCfg.HTTP, newCfg.HTTP},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			restart = append(restart, s.name)
		}
	}
	return hot, restart
}

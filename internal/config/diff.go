package config

import (
	"maps"
	"reflect"

	"github.com/MrWong99/fluency/internal/fluency"
)

// ConfigDiff describes the hot-reloadable changes between two configs.
// Everything else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StandardsChanged bool
	// NewStandards is the table to install. Nil means "back to the
	// built-in table".
	NewStandards fluency.Standards
	// ChangedGrades lists grades added, removed or re-thresholded.
	ChangedGrades []string

	// RestartRequired is set when a field that cannot be hot-reloaded
	// changed.
	RestartRequired bool
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ChangedGrades = diffStandards(old.Standards, new.Standards)
	if len(d.ChangedGrades) > 0 {
		d.StandardsChanged = true
		if len(new.Standards) > 0 {
			d.NewStandards = maps.Clone(new.Standards)
		}
	}

	d.RestartRequired = old.Server.ListenAddr != new.Server.ListenAddr ||
		!sameEntry(old.Transcription.Primary, new.Transcription.Primary) ||
		!sameEntry(old.Transcription.Fallback, new.Transcription.Fallback) ||
		old.Media != new.Media ||
		old.Analysis != new.Analysis ||
		old.Storage != new.Storage

	return d
}

// diffStandards returns the grades that differ between old and new, in the
// order of the effective (defaulted) tables.
func diffStandards(old, new fluency.Standards) []string {
	if len(old) == 0 {
		old = fluency.DefaultStandards()
	}
	if len(new) == 0 {
		new = fluency.DefaultStandards()
	}
	var changed []string
	for _, g := range old.Grades() {
		if nt, ok := new[g]; !ok || nt != old[g] {
			changed = append(changed, g)
		}
	}
	for _, g := range new.Grades() {
		if _, ok := old[g]; !ok {
			changed = append(changed, g)
		}
	}
	return changed
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}

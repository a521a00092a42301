package rule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"telemetry-alert/internal/logging"
)

// FileRule is a rule read from disk. EnabledSet reports whether the file
// carries an enabled key; without one the stored state is kept on sync.
type FileRule struct {
	AlertRule
	EnabledSet bool
}

// LoadDir reads one rule per *.yaml / *.yml file. Rules without an explicit
// enabled flag are enabled; rules without a cooldown get defaultCooldown.
func LoadDir(dir string, defaultCooldown time.Duration) ([]FileRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	var rules []FileRule
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule %s: %w", path, err)
		}
		r := AlertRule{Enabled: true, CooldownSeconds: int(defaultCooldown / time.Second)}
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal rule %s: %w", path, err)
		}
		var flag struct {
			Enabled *bool `yaml:"enabled"`
		}
		if err := yaml.Unmarshal(data, &flag); err != nil {
			return nil, fmt.Errorf("unmarshal rule %s: %w", path, err)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", path, err)
		}
		rules = append(rules, FileRule{AlertRule: r, EnabledSet: flag.Enabled != nil})
	}
	return rules, nil
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Sync upserts rules into the store, matching existing rules by name.
// Rules present only in the store are left alone. An existing rule keeps its
// enabled state unless the file sets enabled explicitly, so a rule switched
// off through the API stays off across reloads.
func Sync(ctx context.Context, store Store, rules []FileRule) (int, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	byName := make(map[string]AlertRule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}
	var errs []error
	saved := 0
	for i := range rules {
		r := rules[i].AlertRule
		if cur, ok := byName[r.Name]; ok {
			r.ID = cur.ID
			if !rules[i].EnabledSet {
				r.Enabled = cur.Enabled
			}
		}
		if err := store.Save(ctx, &r); err != nil {
			errs = append(errs, fmt.Errorf("save rule %q: %w", r.Name, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Watch calls onChange after rule files in dir change, debounced.
// It blocks until ctx is done.
func Watch(ctx context.Context, dir string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	const debounce = 500 * time.Millisecond
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Errorf("rules watcher: %v", err)
		case <-timer.C:
			onChange()
		}
	}
}

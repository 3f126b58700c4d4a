package memory

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/models"
)

//go:embed default_templates.yaml
var defaultTemplatesYAML []byte

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Template is the initial title and content of a memory document
type Template struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

type templateFile struct {
	Templates map[models.MemoryLevel]Template `yaml:"templates"`
}

// Templates holds one template per memory level and can be hot-reloaded
type Templates struct {
	mu        sync.RWMutex
	templates map[models.MemoryLevel]Template
}

// DefaultTemplates returns the built-in templates
func DefaultTemplates() *Templates {
	t, err := parseTemplates(defaultTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in memory templates: %v", err))
	}
	return &Templates{templates: t}
}

// LoadTemplates reads templates from a YAML file. Levels missing from the
// file keep their built-in template.
func LoadTemplates(path string) (*Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload replaces templates with those in path
func (t *Templates) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read memory templates: %w", err)
	}
	parsed, err := parseTemplates(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make(map[models.MemoryLevel]Template, len(t.templates))
	for lv, tpl := range t.templates {
		merged[lv] = tpl
	}
	for lv, tpl := range parsed {
		merged[lv] = tpl
	}
	t.templates = merged
	return nil
}

func parseTemplates(data []byte) (map[models.MemoryLevel]Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse memory templates: %w", err)
	}
	for lv := range f.Templates {
		if !lv.Valid() {
			return nil, fmt.Errorf("memory template for unknown level %q", lv)
		}
	}
	return f.Templates, nil
}

// Render returns the title and content for level with placeholders substituted.
// Unknown placeholders render as empty strings.
func (t *Templates) Render(level models.MemoryLevel, vars map[string]string) (string, string, error) {
	t.mu.RLock()
	tpl, ok := t.templates[level]
	t.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no memory template for level %q", level)
	}
	return substitute(tpl.Title, vars), substitute(tpl.Content, vars), nil
}

func substitute(s string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// Watch reloads templates whenever path changes, until ctx is done
func (t *Templates) Watch(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  [MEMORY] Failed to create template watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		log.Printf("⚠️  [MEMORY] Failed to get absolute path for %s: %v", path, err)
		return
	}

	// Watch the directory, editors often replace the file
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  [MEMORY] Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  [MEMORY] Watching %s for template changes", path)

	var debounceTimer *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				if err := t.Reload(absPath); err != nil {
					log.Printf("❌ [MEMORY] Failed to reload templates: %v", err)
					return
				}
				log.Printf("✅ [MEMORY] Reloaded memory templates from %s", path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  [MEMORY] Template watcher error: %v", err)
		}
	}
}

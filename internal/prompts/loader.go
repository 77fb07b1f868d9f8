package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

const partialsPath = "assignment/partials.md"

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	mu           sync.RWMutex
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: <projectDir>/prompts/
// 2. User config: ~/.config/cycle-orchestrator/prompts/
func DefaultLoader(projectDir string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectDir != "" {
		dirs = append(dirs, filepath.Join(projectDir, "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "cycle-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// splitFrontmatter splits content into the YAML frontmatter and the body.
// Content without a frontmatter block is all body.
func splitFrontmatter(content []byte) (string, string) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(str, "---\n") {
		return "", str
	}
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return "", str
	}
	return str[4 : 4+end], strings.TrimLeft(str[4+end+5:], "\n")
}

// ParseDefinition parses an agent definition: YAML frontmatter with name, role, model,
// phase and reports_to, followed by the role rules in markdown.
func ParseDefinition(content []byte) (domain.AgentDefinition, error) {
	var def domain.AgentDefinition
	front, body := splitFrontmatter(content)
	if front == "" {
		return def, fmt.Errorf("missing frontmatter")
	}
	if err := yaml.Unmarshal([]byte(front), &def); err != nil {
		return def, fmt.Errorf("parse frontmatter: %w", err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return def, fmt.Errorf("frontmatter has no name")
	}
	def.Rules = strings.TrimSpace(body)
	return def, nil
}

// FormatDefinition renders a definition back into frontmatter plus rules
func FormatDefinition(def domain.AgentDefinition) ([]byte, error) {
	front, err := yaml.Marshal(def)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n")
	buf.WriteString(def.Rules)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// LoadTemplate loads and parses a template by path (e.g., "assignment/worker.md").
// Assignment templates share the partials.
func (l *Loader) LoadTemplate(name string) (*template.Template, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return tmpl, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", name, err)
	}
	if strings.HasPrefix(name, "assignment/") && name != partialsPath {
		partials, err := l.loadContent(partialsPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", partialsPath, err)
		}
		if _, err := tmpl.New(partialsPath).Parse(string(partials)); err != nil {
			return nil, fmt.Errorf("compile template %s: %w", partialsPath, err)
		}
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.mu.Unlock()

	return tmpl, nil
}

// LoadRaw loads raw content without template parsing (for rules and skills).
func (l *Loader) LoadRaw(name string) (string, error) {
	content, err := l.loadContent(name)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data interface{}) (string, error) {
	tmpl, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// Managers returns the manager roster, one definition per managers/*.md, sorted by name.
// Bodies may be overridden; the set of managers is the embedded one.
func (l *Loader) Managers() ([]domain.AgentDefinition, error) {
	entries, err := fs.ReadDir(embeddedFS, "managers")
	if err != nil {
		return nil, err
	}

	var defs []domain.AgentDefinition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := path.Join("managers", entry.Name())
		content, err := l.loadContent(name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		def, err := ParseDefinition(content)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if !def.Phase.Valid() {
			return nil, fmt.Errorf("manager %s: invalid phase %q", def.Name, def.Phase)
		}
		def.Kind = domain.KindManager
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.mu.Unlock()
}

// Package skills discovers and loads skill descriptors: markdown files
// with a YAML front-matter header (name, description) and a free-text
// body of instructions. The decomposition driver advertises descriptors
// to the planner and inlines bodies into subtask prompts.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// Skill is a fully loaded descriptor: manifest fields plus body text.
type Skill struct {
	Name        string
	Description string
	Path        string
	Body        string
}

// frontMatter is the YAML header of a skill file.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Library loads skills from a directory, caching parsed files so the
// scheduler's hot path doesn't reread them every tick.
type Library struct {
	dir   string
	cache *gocache.Cache
}

const cacheTTL = 5 * time.Minute

// NewLibrary creates a skill library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:   dir,
		cache: gocache.New(cacheTTL, 10*time.Minute),
	}
}

// Discover scans the directory for *.md skill files and returns their
// manifest entries. Files that fail to parse are logged and skipped.
func (l *Library) Discover() ([]domain.SkillRef, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading skills directory: %w", err)
	}

	var refs []domain.SkillRef
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		skill, err := l.load(path)
		if err != nil {
			log.Warn(log.CatSkills, "skipping unparseable skill", "path", path, "error", err)
			continue
		}
		refs = append(refs, domain.SkillRef{
			Name:        skill.Name,
			Description: skill.Description,
			Path:        path,
		})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Get returns a loaded skill by name, or an error when no file in the
// directory declares it.
func (l *Library) Get(name string) (*Skill, error) {
	refs, err := l.Discover()
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Name == name {
			return l.load(ref.Path)
		}
	}
	return nil, fmt.Errorf("skill %q not found in %s", name, l.dir)
}

func (l *Library) load(path string) (*Skill, error) {
	if cached, ok := l.cache.Get(path); ok {
		return cached.(*Skill), nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the configured skills dir
	if err != nil {
		return nil, fmt.Errorf("reading skill file: %w", err)
	}

	skill, err := parse(string(data))
	if err != nil {
		return nil, err
	}
	skill.Path = path

	l.cache.Set(path, skill, gocache.DefaultExpiration)
	return skill, nil
}

// parse splits the front-matter header from the body. The header is
// delimited by "---" lines at the top of the file.
func parse(content string) (*Skill, error) {
	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return nil, fmt.Errorf("missing front-matter header")
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated front-matter header")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("parsing front-matter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("front-matter missing name")
	}

	body := rest[end+len("\n---"):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}

	return &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Body:        strings.TrimSpace(body),
	}, nil
}

// InlineInstructions renders the "Skill Instructions" section appended
// to a subtask prompt so skills reach the agent even when filesystem
// injection is unavailable. Unknown skill names are noted inline rather
// than dropped silently.
func (l *Library) InlineInstructions(names []string) string {
	if len(names) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n## Skill Instructions\n")
	for _, name := range names {
		skill, err := l.Get(name)
		if err != nil {
			log.Warn(log.CatSkills, "cannot inline skill", "skill", name, "error", err)
			fmt.Fprintf(&b, "\n### %s\n\n(skill unavailable)\n", name)
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", skill.Name, skill.Body)
	}
	return b.String()
}

// BuiltinCapabilities returns the built-in capability policies the
// supervisor upserts during manifest sync.
func BuiltinCapabilities() []domain.Capability {
	return []domain.Capability{
		{
			ID:          "general",
			Name:        "General",
			Description: "Default policy for unclassified work",
			ModelTier:   domain.TierStandard,
		},
		{
			ID:          "mechanical",
			Name:        "Mechanical",
			Description: "Repetitive edits, renames, and data munging",
			ModelTier:   domain.TierLight,
		},
		{
			ID:          "research",
			Name:        "Research",
			Description: "Open-ended investigation and design work",
			ModelTier:   domain.TierDeep,
		},
	}
}

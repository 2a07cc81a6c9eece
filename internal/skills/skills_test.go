package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/domain"
)

func writeSkill(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

const reviewSkill = `---
name: code-review
description: Review diffs for correctness and style
---

Read the diff carefully. Flag logic errors first, style second.
`

const deploySkill = `---
name: deploy
description: Ship a release
---

Run the release checklist top to bottom.
`

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review.md", reviewSkill)
	writeSkill(t, dir, "deploy.md", deploySkill)
	writeSkill(t, dir, "notes.txt", "not a skill")
	writeSkill(t, dir, "broken.md", "no front matter here")

	lib := NewLibrary(dir)
	refs, err := lib.Discover()
	require.NoError(t, err)
	require.Len(t, refs, 2, "non-markdown and unparseable files are skipped")
	require.Equal(t, "code-review", refs[0].Name)
	require.Equal(t, "deploy", refs[1].Name)
	require.Equal(t, "Review diffs for correctness and style", refs[0].Description)
}

func TestDiscoverMissingDir(t *testing.T) {
	lib := NewLibrary(filepath.Join(t.TempDir(), "nope"))
	refs, err := lib.Discover()
	require.NoError(t, err, "a missing skills dir is not an error")
	require.Empty(t, refs)
}

func TestGet(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review.md", reviewSkill)

	lib := NewLibrary(dir)
	skill, err := lib.Get("code-review")
	require.NoError(t, err)
	require.Equal(t, "code-review", skill.Name)
	require.Contains(t, skill.Body, "Flag logic errors first")
	require.NotContains(t, skill.Body, "---", "front matter is stripped from the body")

	_, err = lib.Get("missing")
	require.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"just text",
		"---\nname: x",                 // unterminated header
		"---\ndescription: no name\n---\nbody", // missing name
	}
	for _, content := range cases {
		_, err := parse(content)
		require.Error(t, err, "expected %q to be rejected", content)
	}
}

func TestInlineInstructions(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review.md", reviewSkill)

	lib := NewLibrary(dir)
	section := lib.InlineInstructions([]string{"code-review", "ghost"})
	require.Contains(t, section, "## Skill Instructions")
	require.Contains(t, section, "### code-review")
	require.Contains(t, section, "Read the diff carefully")
	require.Contains(t, section, "### ghost")
	require.Contains(t, section, "(skill unavailable)")

	require.Empty(t, lib.InlineInstructions(nil))
}

func TestBuiltinCapabilities(t *testing.T) {
	caps := BuiltinCapabilities()
	require.NotEmpty(t, caps)

	seen := map[string]bool{}
	for _, c := range caps {
		require.NotEmpty(t, c.ID)
		require.False(t, seen[c.ID], "capability ids must be unique")
		seen[c.ID] = true
		require.True(t, c.ModelTier == domain.TierLight ||
			c.ModelTier == domain.TierStandard || c.ModelTier == domain.TierDeep)
	}
	require.True(t, seen["general"], "the general policy is always present")
}

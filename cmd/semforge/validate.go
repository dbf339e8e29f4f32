package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/lipgloss"

	"github.com/c360studio/semforge/workflow/validation"
)

var (
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E3B341"))
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

// artifactChecker validates documents on disk against the contract schemas
// and prints a PASS/FAIL report.
type artifactChecker struct {
	v   *validation.Validator
	out io.Writer
}

func newArtifactChecker(out io.Writer) (*artifactChecker, error) {
	v, err := validation.NewValidator()
	if err != nil {
		return nil, err
	}
	return &artifactChecker{v: v, out: out}, nil
}

// checkFile validates one document. An empty schema is inferred from the
// file name; documents with no known schema only get a syntax check.
func (c *artifactChecker) checkFile(path, schema string) bool {
	fmt.Fprintf(c.out, "\n%s\n", headStyle.Render("Validating: "+path))
	fmt.Fprintln(c.out, dimStyle.Render(strings.Repeat("-", 40)))

	doc, err := os.ReadFile(path)
	if err != nil {
		c.fail([]string{err.Error()})
		return false
	}

	if schema == "" {
		name, ok := validation.SchemaForArtifact(path)
		if !ok {
			if !json.Valid(doc) {
				c.fail([]string{"invalid JSON syntax"})
				return false
			}
			fmt.Fprintf(c.out, "  %s\n", warnStyle.Render("WARNING: no schema mapping for this artifact"))
			fmt.Fprintf(c.out, "  %s\n", passStyle.Render("PASSED"))
			return true
		}
		schema = name
	}
	fmt.Fprintf(c.out, "  Schema: %s\n", schema)

	var result *validation.Result
	if schema == validation.SchemaCompletionSignal {
		_, result, err = c.v.DecodeReport(doc)
	} else {
		result, err = c.v.Validate(doc, schema)
	}
	if err != nil {
		c.fail([]string{err.Error()})
		return false
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(c.out, "  %s\n", warnStyle.Render("WARNING: "+w))
	}
	if !result.Valid {
		c.fail(result.Errors)
		return false
	}
	fmt.Fprintf(c.out, "  %s\n", passStyle.Render("PASSED"))
	return true
}

func (c *artifactChecker) fail(errs []string) {
	for _, e := range errs {
		fmt.Fprintf(c.out, "  %s\n", failStyle.Render("ERROR: "+e))
	}
	fmt.Fprintf(c.out, "  %s\n", failStyle.Render(fmt.Sprintf("FAILED with %d error(s)", len(errs))))
}

// checkAll validates every JSON document under root.
func (c *artifactChecker) checkAll(root string) (bool, error) {
	fmt.Fprintln(c.out, headStyle.Render("Validating all artifacts under "+root))
	if _, err := os.Stat(root); err != nil {
		return false, fmt.Errorf("artifact root: %w", err)
	}
	matches, err := doublestar.Glob(os.DirFS(root), "**/*.json", doublestar.WithFilesOnly())
	if err != nil {
		return false, err
	}

	passed := 0
	for _, rel := range matches {
		if c.checkFile(filepath.Join(root, filepath.FromSlash(rel)), "") {
			passed++
		}
	}

	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, dimStyle.Render(strings.Repeat("=", 40)))
	fmt.Fprintf(c.out, "Summary: %d/%d passed\n", passed, len(matches))
	if failed := len(matches) - passed; failed > 0 {
		fmt.Fprintln(c.out, failStyle.Render(fmt.Sprintf("%d artifact(s) failed validation", failed)))
		return false, nil
	}
	fmt.Fprintln(c.out, passStyle.Render("All artifacts passed validation"))
	return true, nil
}

// checkDeps reports the compiled schemas and whether the artifact root exists.
func (c *artifactChecker) checkDeps(root string) {
	fmt.Fprintln(c.out, headStyle.Render("Checking validation setup"))
	names := c.v.SchemaNames()
	fmt.Fprintf(c.out, "  %s %d schemas compiled\n", passStyle.Render("✓"), len(names))
	for _, n := range names {
		fmt.Fprintf(c.out, "    %s\n", dimStyle.Render(n))
	}
	fmt.Fprintln(c.out, "  Supported artifacts:")
	for _, a := range validation.KnownArtifacts() {
		fmt.Fprintf(c.out, "    - %s\n", a)
	}
	if info, err := os.Stat(root); err == nil && info.IsDir() {
		fmt.Fprintf(c.out, "  %s artifact root %s\n", passStyle.Render("✓"), root)
	} else {
		fmt.Fprintf(c.out, "  %s artifact root %s not found\n", failStyle.Render("✗"), root)
	}
}

// writeSchemas writes every generated schema to dir as <name>.schema.json.
func (c *artifactChecker) writeSchemas(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range c.v.SchemaNames() {
		data, err := c.v.SchemaJSON(name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+".schema.json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(c.out, "%s %s\n", passStyle.Render("wrote"), path)
	}
	return nil
}

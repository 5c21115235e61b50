package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanSchema = `{
  "title": "Order",
  "description": "Order payloads.",
  "type": "object",
  "properties": {
    "id": { "type": "string", "description": "Order identifier." }
  },
  "required": ["id"]
}`

const dirtySchema = `{
  "type": "object",
  "properties": { "id": { "type": "string" } }
}`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunExitCodes(t *testing.T) {
	clean := writeSchema(t, cleanSchema)
	dirty := writeSchema(t, dirtySchema)
	out := t.TempDir()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitFailure},
		{"unknown command", []string{"frobnicate"}, exitFailure},
		{"version", []string{"version"}, exitOK},
		{"validate clean", []string{"validate", clean}, exitOK},
		{"validate missing file", []string{"validate", "/nonexistent.json"}, exitFailure},
		{"validate no argument", []string{"validate"}, exitValidation},
		{"validate lint findings", []string{"validate", "--lint", dirty}, exitValidation},
		{"validate lint clean", []string{"validate", "--lint", "--detailed", clean}, exitOK},
		{"generate typescript", []string{"generate", "--language", "typescript", clean}, exitUnsupported},
		{"generate java", []string{"generate", "--language", "java", clean}, exitUnsupported},
		{"generate unknown language", []string{"generate", "--language", "cobol", clean}, exitUnsupported},
		{"generate unknown format", []string{"generate", "--format", "tarball", clean}, exitUnsupported},
		{"generate dirty schema", []string{"generate", "--output", out, dirty}, exitValidation},
		{"generate dirty skip validation", []string{
			"generate", "--format", "single-file", "--output", out, "--skip-validation", "--quiet", dirty}, exitOK},
		{"info", []string{"info", "--stats", "--dependencies", "--quiet", clean}, exitOK},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, run(test.args))
		})
	}
}

func TestRunGenerateWritesFiles(t *testing.T) {
	clean := writeSchema(t, cleanSchema)
	out := t.TempDir()

	require.Equal(t, exitOK, run([]string{
		"generate", "--format", "crate", "--output", out, "--quiet", clean}))

	data, err := os.ReadFile(filepath.Join(out, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "pub struct Order {")

	// A second run without --force must refuse to overwrite.
	assert.Equal(t, exitValidation, run([]string{
		"generate", "--format", "crate", "--output", out, "--quiet", clean}))
	assert.Equal(t, exitOK, run([]string{
		"generate", "--format", "crate", "--output", out, "--quiet", "--force", clean}))
}

func TestRunInit(t *testing.T) {
	out := t.TempDir()

	require.Equal(t, exitOK, run([]string{
		"init", "--template", "full", "--output", out, "--quiet", "orders"}))
	assert.FileExists(t, filepath.Join(out, "orders.schema.json"))

	assert.Equal(t, exitValidation, run([]string{
		"init", "--template", "full", "--output", out, "--quiet", "orders"}))
	assert.Equal(t, exitUnsupported, run([]string{
		"init", "--template", "fancy", "--output", out, "orders"}))
	assert.Equal(t, exitValidation, run([]string{
		"init", "--template", "minimal", "--output", out}))
}

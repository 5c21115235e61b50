// Package main implements qollective-gen, the code generator that
// turns envelope payload JSON Schemas into types for non-Go services.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/gen"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "qollective-gen"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitValidation  = 2
	exitUnsupported = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type globalFlags struct {
	verbose bool
	quiet   bool
	force   bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&g.verbose, "verbose", false, "Print progress details")
	fs.BoolVar(&g.quiet, "quiet", false, "Suppress non-error output")
	fs.BoolVar(&g.force, "force", false, "Overwrite existing files")
}

func (g *globalFlags) printf(format string, args ...any) {
	if !g.quiet {
		fmt.Printf(format, args...)
	}
}

func (g *globalFlags) debugf(format string, args ...any) {
	if g.verbose && !g.quiet {
		fmt.Printf(format, args...)
	}
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitFailure
	}

	switch args[0] {
	case "generate":
		return cmdGenerate(args[1:])
	case "validate":
		return cmdValidate(args[1:])
	case "info":
		return cmdInfo(args[1:])
	case "init":
		return cmdInit(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", appName, Version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", appName, args[0])
		printUsage()
		return exitFailure
	}
}

func cmdGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	language := fs.String("language", "rust", "Target language: rust, typescript, java")
	format := fs.String("format", "module", "Output layout: module, crate, single-file")
	output := fs.String("output", ".", "Output directory")
	skipValidation := fs.Bool("skip-validation", false, "Generate even when the schema has lint findings")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	switch *language {
	case "rust":
	case "typescript", "java":
		fmt.Fprintf(os.Stderr, "%s: language %q is not supported yet\n", appName, *language)
		return exitUnsupported
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown language %q\n", appName, *language)
		return exitUnsupported
	}

	outFormat, err := gen.ParseFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return exitUnsupported
	}

	schemaPath, code := schemaArg(fs)
	if code != exitOK {
		return code
	}

	schema, err := gen.Load(schemaPath)
	if err != nil {
		return fail(err)
	}
	g.debugf("loaded %s (%d definitions)\n", schemaPath, len(schema.AllDefinitions()))

	if !*skipValidation {
		if findings := schema.Lint(); len(findings) > 0 {
			for _, f := range findings {
				fmt.Fprintf(os.Stderr, "%s: %s\n", schemaPath, f)
			}
			fmt.Fprintf(os.Stderr, "%s: schema has %d lint findings, fix them or pass --skip-validation\n",
				appName, len(findings))
			return exitValidation
		}
	}

	files, err := gen.EmitRust(schema, outFormat)
	if err != nil {
		return fail(err)
	}
	if err := gen.WriteFiles(*output, files, g.force); err != nil {
		return fail(err)
	}

	for _, f := range files {
		g.debugf("wrote %s\n", f.Path)
	}
	g.printf("generated %d files in %s\n", len(files), *output)
	return exitOK
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	lint := fs.Bool("lint", false, "Also report advisory lint findings")
	detailed := fs.Bool("detailed", false, "Print per-definition detail")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	schemaPath, code := schemaArg(fs)
	if code != exitOK {
		return code
	}

	schema, err := gen.Load(schemaPath)
	if err != nil {
		return fail(err)
	}

	if *detailed {
		for _, name := range schema.DefinitionNames() {
			def := schema.AllDefinitions()[name]
			kind := "object"
			if len(def.Enum) > 0 {
				kind = "enum"
			}
			g.printf("  %s (%s, %d properties, %d required)\n",
				name, kind, len(def.Properties), len(def.Required))
		}
	}

	if *lint {
		findings := schema.Lint()
		for _, f := range findings {
			fmt.Fprintf(os.Stderr, "%s: %s\n", schemaPath, f)
		}
		if len(findings) > 0 {
			return exitValidation
		}
	}

	g.printf("%s is valid\n", schemaPath)
	return exitOK
}

func cmdInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	stats := fs.Bool("stats", false, "Print schema statistics")
	dependencies := fs.Bool("dependencies", false, "Print the $ref dependency graph")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	schemaPath, code := schemaArg(fs)
	if code != exitOK {
		return code
	}

	schema, err := gen.Load(schemaPath)
	if err != nil {
		return fail(err)
	}
	info := gen.Inspect(schema)

	g.printf("title: %s\n", info.Title)
	if info.Description != "" {
		g.printf("description: %s\n", info.Description)
	}
	if *stats {
		g.printf("definitions: %d\nenums: %d\nproperties: %d\nrequired fields: %d\n",
			info.Stats.Definitions, info.Stats.Enums,
			info.Stats.Properties, info.Stats.RequiredFields)
	}
	if *dependencies {
		for _, name := range schema.DefinitionNames() {
			if refs, ok := info.Dependencies[name]; ok {
				g.printf("%s -> %v\n", name, refs)
			}
		}
		if refs, ok := info.Dependencies["$"]; ok {
			g.printf("(root) -> %v\n", refs)
		}
	}
	return exitOK
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	template := fs.String("template", "minimal", "Starter layout: minimal, full, examples")
	output := fs.String("output", ".", "Output directory")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	tmpl, err := gen.ParseTemplate(*template)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return exitUnsupported
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s: init needs exactly one project name\n", appName)
		return exitValidation
	}

	written, err := gen.InitProject(*output, fs.Arg(0), tmpl, g.force)
	if err != nil {
		return fail(err)
	}
	for _, path := range written {
		g.printf("created %s\n", path)
	}
	return exitOK
}

// schemaArg returns the single positional schema path.
func schemaArg(fs *flag.FlagSet) (string, int) {
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s: expected exactly one SCHEMA argument, got %d\n", appName, fs.NArg())
		return "", exitValidation
	}
	return fs.Arg(0), exitOK
}

// fail prints an error and maps its kind to an exit code. Validation
// problems exit 2, everything else exits 1.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindDeserialization:
		return exitValidation
	default:
		return exitFailure
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - envelope payload code generator

Usage: %s COMMAND [options] [arguments]

Commands:
  generate --language {rust|typescript|java} --format {module|crate|single-file}
           --output DIR [--skip-validation] SCHEMA
  validate [--lint] [--detailed] SCHEMA
  info     [--stats] [--dependencies] SCHEMA
  init     --template {minimal|full|examples} [--output DIR] NAME
  version  Print the version

Options recognized by every command: --verbose, --quiet, --force

Exit codes: 0 success, 1 failure, 2 validation failure, 3 unsupported option
`, appName, os.Args[0])
}

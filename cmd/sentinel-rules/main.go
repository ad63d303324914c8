// Command sentinel-rules validates and lists correlation rule files before
// they are deployed to a running engine.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sentinel-siem/internal/correlation"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		verbose := fs.Bool("verbose", false, "Show rule details for valid files")
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: sentinel-rules validate [--verbose] <path> [<path>...]")
			return 1
		}
		return validatePaths(fs.Args(), *verbose)
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		fs.Parse(args[1:])
		paths := fs.Args()
		if len(paths) == 0 {
			paths = []string{"rules"}
		}
		return listRules(paths)
	case "version", "-version", "--version", "-v":
		fmt.Printf("sentinel-rules %s\n", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: sentinel-rules <command> [flags] [args]

Commands:
  validate  Check YAML rule files or directories, exit nonzero on any failure
  list      Print a one-line summary of every rule found
  version   Show version and exit
`)
}

func validatePaths(paths []string, verbose bool) int {
	var checked, failed int

	for _, f := range expandPaths(paths) {
		checked++
		rules, err := loadRuleFile(f)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s\n      %v\n", f, err)
			continue
		}
		fmt.Printf("ok    %s (%d rule(s))\n", f, len(rules))
		if verbose {
			for _, r := range rules {
				describeRule(r)
			}
		}
	}

	fmt.Printf("\n%d file(s) checked, %d failed\n", checked, failed)
	if failed > 0 || checked == 0 {
		return 1
	}
	return 0
}

func listRules(paths []string) int {
	for _, f := range expandPaths(paths) {
		rules, err := loadRuleFile(f)
		if err != nil {
			continue
		}
		for _, r := range rules {
			fmt.Printf("%-40s  %-12s  sev=%-8s  %s\n", r.ID, r.Type, r.Actions.AlertSeverity, r.Name)
		}
	}
	return 0
}

func describeRule(r *correlation.Rule) {
	fmt.Printf("      - [%s] %s (type=%s, severity=%s)\n", r.ID, r.Name, r.Type, r.Actions.AlertSeverity)
	if len(r.Conditions.EventTypes) > 0 {
		fmt.Printf("        event_types: %s\n", strings.Join(r.Conditions.EventTypes, ", "))
	}
	if len(r.Conditions.RequiredPatterns) > 0 {
		fmt.Printf("        patterns: %s\n", strings.Join(r.Conditions.RequiredPatterns, ", "))
	}
	if len(r.Conditions.GroupBy) > 0 {
		fmt.Printf("        group_by: %s\n", strings.Join(r.Conditions.GroupBy, ", "))
	}
}

func loadRuleFile(path string) ([]*correlation.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := correlation.ParseRules(data)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	return rules, nil
}

// expandPaths resolves each argument to the YAML files beneath it. A file
// argument is taken as-is regardless of extension; unreadable paths are
// reported and skipped.
func expandPaths(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			continue
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			switch strings.ToLower(filepath.Ext(p)) {
			case ".yaml", ".yml":
				files = append(files, p)
			}
			return nil
		})
	}
	return files
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/validation"
	"github.com/rendis/cadenza/internal/workflows"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files or directories",
		ArgsUsage: "<path>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "expression-lang",
				Usage: "Default expression language (jq, cel, expr)",
				Value: "jq",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("at least one path is required")
			}
			exprs, err := expressions.NewProvider(cmd.String("expression-lang"))
			if err != nil {
				return err
			}
			funcs := functions.NewDefaultRegistry(functions.RestConfig{}, exprs, functions.NewCustomFunctions())
			v, err := validation.NewWorkflowValidator(funcs, exprs)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range cmd.Args().Slice() {
				files, err := definitionFiles(path)
				if err != nil {
					return err
				}
				for _, f := range files {
					if !validateFile(cmd.Root().Writer, v, f) {
						failed++
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid definition(s)", failed)
			}
			return nil
		},
	}
}

// definitionFiles expands path into the definition files it names.
func definitionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}

// validateFile reports the result for one file and returns whether it is valid.
func validateFile(w io.Writer, v *validation.WorkflowValidator, path string) bool {
	def, err := workflows.LoadFile(path)
	if err != nil {
		fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
		return false
	}
	if def == nil {
		fmt.Fprintf(w, "SKIP %s: unsupported extension\n", path)
		return true
	}

	result := v.Validate(def)
	status := "OK  "
	if !result.Valid() {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s (%s)\n", status, path, def.Ref())
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "  error   %s\n", issue)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "  warning %s\n", issue)
	}
	return result.Valid()
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/compiler"
)

type compileOptions struct {
	*rootOptions
	static  bool
	format  string
	dev     bool
	props   string
	content string
}

func newCompileCommand(root *rootOptions) *cobra.Command {
	opts := &compileOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a component or page and print the result as JSON",
		Long: `Compile a component source file, or a page described as JSON
({"head": {...}, "sections": [{"component": "...", "data": {...}}]}),
and print the compiler result. The exit status is 1 on a compile failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.static, "static", false, "render head and body HTML")
	cmd.Flags().StringVar(&opts.format, "format", bundler.FormatESM, "module format: esm, iife, cjs")
	cmd.Flags().BoolVar(&opts.dev, "dev", false, "dev-mode output")
	cmd.Flags().StringVar(&opts.props, "props", "", "JSON props for the static render")
	cmd.Flags().StringVar(&opts.content, "content", "", "JSON content fields for the static render")
	return cmd
}

func runCompile(cmd *cobra.Command, opts *compileOptions, path string) error {
	cfg, logger, closeLog, err := opts.load()
	if err != nil {
		return err
	}
	defer closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	src := compiler.Text(string(data))
	if filepath.Ext(path) == ".json" {
		var page compiler.Page
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("parse page %s: %w", path, err)
		}
		src = compiler.PageSource(page)
	}
	req := &compiler.Request{
		Source:       src,
		StaticBuild:  opts.static,
		ModuleFormat: opts.format,
		DevMode:      opts.dev,
	}
	if err := unmarshalFlag("props", opts.props, &req.Props); err != nil {
		return err
	}
	if err := unmarshalFlag("content", opts.content, &req.Content); err != nil {
		return err
	}
	req.Props = compiler.PageProps(src.Page, req.Props)

	svc := compiler.New(cfg.Compiler, compiler.WithLogger(logger))
	defer svc.Close()
	res := svc.Compile(cmd.Context(), req)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.OK() {
		return res.Error
	}
	return nil
}

func unmarshalFlag(name, text string, v any) error {
	if text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	return nil
}

package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/queuestash/internal/config"
)

func configCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: fmt | validate")
		return 2
	}

	switch args[0] {
	case "fmt":
		return configFormat(args[1:], stdout, stderr)
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	write := fs.Bool("write", false, "rewrite the file in place")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	out, err := config.Format(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if *write {
		info, err := os.Stat(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		if err := os.WriteFile(*configPath, out, info.Mode().Perm()); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		return 0
	}
	_, _ = stdout.Write(out)
	return 0
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	var res config.ValidationResult
	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		res = config.ValidationResult{Errors: []string{err.Error()}}
	} else {
		res = config.ValidateWithResult(cfg)
	}

	w := stdout
	code := 0
	if !res.OK {
		w, code = stderr, 1
	}
	if *format == "text" {
		fmt.Fprintln(w, config.FormatValidationText(res))
		return code
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(w, out)
	return code
}

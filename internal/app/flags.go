package app

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nuetzliches/queuestash/internal/config"
)

const defaultConfigPath = "./Queuestashfile"

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type commonFlags struct {
	configPath string
	logLevel   string
	dotenvPath string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", defaultConfigPath, "path to config file")
	fs.StringVar(&cf.logLevel, "log-level", "", "log level (debug|info|warn|error); overrides the logging block")
	fs.StringVar(&cf.dotenvPath, "dotenv", "", "load environment variables from file (dev only)")
	return fs, cf
}

// loadedConfig is a compiled config with the logger it configures.
type loadedConfig struct {
	compiled *config.Compiled
	logger   *slog.Logger
	closeLog func()
}

// load reads the dotenv file, compiles the config and opens its logger.
// Failures are written to stderr.
func (cf *commonFlags) load(stderr io.Writer) (*loadedConfig, bool) {
	if _, err := parseLogLevel(cf.logLevel); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, false
	}
	if p := strings.TrimSpace(cf.dotenvPath); p != "" {
		if err := loadDotenv(p); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return nil, false
		}
	}
	compiled, res, err := config.Load(cf.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, false
	}
	logger, closer, err := loggerFromConfig(compiled.Logging, cf.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, false
	}
	slog.SetDefault(logger)
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	lc := &loadedConfig{compiled: compiled, logger: logger, closeLog: func() {}}
	if closer != nil {
		lc.closeLog = func() { _ = closer.Close() }
	}
	return lc, true
}

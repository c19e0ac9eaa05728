package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" description:"path to the YAML configuration file" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the supervisor (debug feature)"`
	Validate    bool   `long:"validate" description:"validate the configuration, print a summary and exit"`
	LogLevel    string `long:"log-level" description:"overrides logging.level from the configuration"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		os.Exit(validate(opts.Config))
	}

	// The logging section is read ahead of Run so that Run itself logs
	// through the configured backend.
	zapConfig := logging.DefaultZapConfig()
	if config, err := supervisor.LoadConfigFromFile(opts.Config); err == nil {
		zapConfig = config.Logging
	}
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}

	logger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infof("opts: %+v", opts)

	if err := supervisor.Run(opts.RunDuration, opts.Config, logger); err != nil {
		logger.Errorf("Supervisor failed: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func validate(configFile string) int {
	config, err := supervisor.LoadConfigFromFile(configFile)
	if err == nil {
		err = supervisor.ValidateConfig(config)
	}
	if err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		return 1
	}

	summary, err := json.MarshalIndent(supervisor.GetConfigSummary(config), "", "  ")
	if err != nil {
		fmt.Printf("Failed to render summary: %v\n", err)
		return 1
	}
	fmt.Println(string(summary))
	return 0
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-console/pkg/client"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Socket      string        `long:"socket" description:"path to the process endpoint" required:"true"`
	Commands    []string      `long:"command" short:"c" description:"command to send; may be repeated"`
	Tail        bool          `long:"tail" description:"print the process output until interrupted"`
	Wait        time.Duration `long:"wait" description:"how long to keep printing output after the last command" default:"1s"`
	Config      string        `long:"config" description:"take retry settings from the client section of this configuration file"`
	MaxAttempts int           `long:"max-attempts" description:"connect attempts before giving up"`
	RetryDelay  time.Duration `long:"retry-delay" description:"delay after the first failed attempt"`
	BackoffRate float64       `long:"backoff-rate" description:"delay multiplier per failed attempt"`
	Verbose     bool          `long:"verbose" short:"v" description:"log connection attempts"`
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

	if len(opts.Commands) == 0 && !opts.Tail {
		fmt.Println("At least one --command or --tail is required")
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Output = "stderr"
	zapConfig.Level = "warn"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	logger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	retry, err := retryConfig(opts)
	if err != nil {
		logger.Errorf("Invalid retry settings: %v", err)
		os.Exit(1)
	}

	c, err := client.NewClient(client.Options{
		Path:   opts.Socket,
		Policy: retry.Policy(),
		OnOutput: func(b []byte) {
			os.Stdout.Write(b)
		},
	}, logging.WithPrefix(logger, "module: console-client , "))
	if err != nil {
		logger.Errorf("Failed to create client: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		logger.Errorf("Failed to connect: %v", err)
		os.Exit(1)
	}

	for _, command := range opts.Commands {
		if err := c.SendCommand(ctx, command); err != nil {
			logger.Errorf("Failed to send command %q: %v", command, err)
			os.Exit(1)
		}
	}

	if opts.Tail {
		<-ctx.Done()
		return
	}

	// Give the process a moment to answer before disconnecting
	select {
	case <-time.After(opts.Wait):
	case <-ctx.Done():
	}
}

// retryConfig layers the flags over the configuration file over defaults.
func retryConfig(opts flagOptions) (client.RetryConfig, error) {
	retry := client.DefaultRetryConfig()
	if opts.Config != "" {
		config, err := supervisor.LoadConfigFromFile(opts.Config)
		if err != nil {
			return retry, err
		}
		retry = config.Client
	}
	if opts.MaxAttempts != 0 {
		retry.MaxAttempts = opts.MaxAttempts
	}
	if opts.RetryDelay != 0 {
		retry.RetryDelay = opts.RetryDelay
	}
	if opts.BackoffRate != 0 {
		retry.BackoffRate = opts.BackoffRate
	}
	return retry, client.ValidateRetryConfig(retry)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	RunDuration  int           `long:"run-duration" description:"Duration in seconds to run the game server (debug feature)"`
	StartupDelay time.Duration `long:"startup-delay" description:"how long to pretend the world takes to load" default:"500ms"`
	Players      []string      `long:"player" description:"player that joins right after startup; may be repeated"`
	IgnoreTerm   bool          `long:"ignore-term" description:"ignore SIGTERM so only the stop command or a kill ends the server (debug feature)"`
}

// server imitates a game server's console: log lines on stdout, commands
// on stdin.
type server struct {
	players map[string]struct{}
}

func (s *server) log(level, format string, args ...interface{}) {
	fmt.Printf("[%s] [Server thread/%s]: %s\n", time.Now().Format("15:04:05"), level, fmt.Sprintf(format, args...))
}

func (s *server) join(name string) {
	s.players[name] = struct{}{}
	s.log("INFO", "%s joined the game", name)
}

func (s *server) leave(name string) {
	delete(s.players, name)
	s.log("INFO", "%s left the game", name)
}

func (s *server) names() []string {
	names := make([]string, 0, len(s.players))
	for name := range s.players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handle runs one console command and reports whether the server should stop.
func (s *server) handle(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch fields[0] {
	case "stop":
		s.log("INFO", "Stopping the server")
		return true
	case "list":
		s.log("INFO", "There are %d of a max of 20 players online: %s", len(s.players), strings.Join(s.names(), ", "))
	case "join":
		s.join(arg)
	case "leave":
		s.leave(arg)
	case "drop":
		delete(s.players, arg)
		s.log("INFO", "%s lost connection: Disconnected", arg)
	case "chat":
		if len(fields) > 2 {
			s.log("INFO", "<%s> %s", fields[1], strings.Join(fields[2:], " "))
		}
	case "me":
		if len(fields) > 2 {
			s.log("INFO", "* %s %s", fields[1], strings.Join(fields[2:], " "))
		}
	case "advance":
		if len(fields) > 2 {
			s.log("INFO", "%s has made the advancement [%s]", fields[1], strings.Join(fields[2:], " "))
		}
	case "kill":
		s.log("INFO", "%s was slain by Zombie", arg)
	case "say":
		s.log("INFO", "[Server] %s", arg)
	default:
		s.log("WARN", "Unknown or incomplete command, see below for error")
	}
	return false
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

	fmt.Printf("Running Gametest, opts: %+v...\n", opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	s := &server{players: make(map[string]struct{})}
	began := time.Now()
	s.log("INFO", "Starting minecraft server version 1.20.4")
	s.log("INFO", "Preparing level \"world\"")
	time.Sleep(opts.StartupDelay)
	s.log("INFO", "Done (%.3fs)! For help, type \"help\"", time.Since(began).Seconds())

	for _, name := range opts.Players {
		s.join(name)
	}

	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			commands <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-commands:
			if !ok {
				s.log("WARN", "Console input closed")
				return
			}
			if s.handle(line) {
				return
			}
		case receivedSignal := <-sig:
			fmt.Printf("Gametest received signal: %v\n", receivedSignal)
			s.log("INFO", "Stopping the server")
			return
		case <-ctx.Done():
			s.log("INFO", "Stopping the server")
			return
		}
	}
}

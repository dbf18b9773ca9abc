// Package main provides the entry point for the bloom CLI shell.
//
// bloom is a thin wrapper around the intent-pipeline core: argument parsing
// and terminal rendering live here; every operation it invokes is a plain
// function in an internal package.
//
// Usage:
//
//	bloom serve              Start the status API (default)
//	bloom status             Show service status
//	bloom stop               Stop the running service
//	bloom mcp                Start the MCP server (stdio mode)
//	bloom create KIND NAME   Create a new intent (kind: dev or doc)
//	bloom recover            Recover or force-unlock every locked intent
//	bloom init-config        Create example configuration file
//	bloom version            Show version
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bloomworks/bloom/internal/config"
	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/logger"
	"github.com/bloomworks/bloom/internal/mcpserver"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/recovery"
	"github.com/bloomworks/bloom/internal/service"
	"github.com/bloomworks/bloom/internal/statestore"
	"github.com/bloomworks/bloom/internal/statusapi"
)

// version is set via -ldflags at build time.
var version = "dev"

var configPath string

func main() {
	args := os.Args[1:]
	command := ""
	cmdArgs := []string{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && (arg == "-v" || arg == "--version" || arg == "-h" || arg == "--help"):
			command = arg
		case strings.HasPrefix(arg, "-") && command != "":
			cmdArgs = append(cmdArgs, arg)
		case strings.HasPrefix(arg, "-"):
			// unknown flag before the command, ignored here
		case command == "":
			command = arg
		default:
			cmdArgs = append(cmdArgs, arg)
		}
	}

	if command == "" {
		command = "serve"
	}

	var err error
	switch command {
	case "serve", "start":
		err = cmdServe(cmdArgs)
	case "version", "-v", "--version":
		cmdVersion()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "mcp":
		err = cmdMCP()
	case "create":
		err = cmdCreate(cmdArgs)
	case "recover":
		err = cmdRecover(cmdArgs)
	case "init-config":
		err = cmdInitConfig()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`bloom - stateful AI-assisted intent pipeline

Usage:
  bloom [flags] [command] [args]

Commands:
  serve                    Start the status API (default)
  status                   Show service status
  stop                     Stop the running service
  mcp                      Start the MCP server (stdio mode)
  create KIND NAME         Create a new intent (kind: dev or doc)
  recover [--force]        Recover or force-unlock every locked intent
  init-config              Create example configuration file
  version                  Show version information
  help                     Show this help

Flags:
  --config PATH   Path to configuration file (default: ~/.bloom/config.toml)

Environment:
  BLOOM_CONFIG     Path to configuration file (alternative to --config)
  BLOOM_DATA_DIR   Override data directory
  BLOOM_HOST       Override status API bind host
  BLOOM_PORT       Override status API bind port`)
}

func cmdVersion() {
	fmt.Printf("bloom version %s\n", version)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("BLOOM_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("BLOOM_DATA_DIR"); envDataDir != "" {
		cfg.Project.DataDir = envDataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("bloom already running (PID %d)", pid)
	}

	log := logger.SetupLogger(cfg)
	log.Info().Msg("starting bloom status API")

	srv := statusapi.NewServer(cfg)
	daemon := service.NewDaemon(cfg)

	if err := daemon.Start(srv.Handler()); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("bloom v%s started on %s\n", version, cfg.StatusAddress())
	fmt.Printf("Status API: http://%s/healthz\n", cfg.StatusAddress())

	daemon.Wait()
	return nil
}

func cmdStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("bloom: running (PID %d)\n", pid)
		fmt.Printf("Address: %s\n", cfg.StatusAddress())
		fmt.Printf("Config: %s\n", getConfigPath())
		fmt.Printf("Data: %s\n", cfg.Project.DataDir)
	} else {
		fmt.Println("bloom: stopped")
	}
	return nil
}

func cmdStop() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("bloom is not running")
		return nil
	}

	fmt.Printf("stopping bloom (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}
	fmt.Println("bloom stopped")
	return nil
}

func cmdMCP() error {
	srv := mcpserver.New()
	return srv.ServeStdio()
}

func cmdCreate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: bloom create KIND NAME")
	}
	kind := model.Kind(args[0])
	if !kind.Valid() {
		return fmt.Errorf("kind must be 'dev' or 'doc'")
	}
	name := strings.Join(args[1:], " ")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	root, err := locator.Locate(cwd)
	if err != nil {
		return err
	}

	uuid := statestore.NewUUID(name)
	folder := model.FolderName(name, uuid)
	dir := filepath.Join(root.IntentsDir(kind), folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create intent directory: %w", err)
	}

	st, err := statestore.Create(dir, kind, name, nil)
	if err != nil {
		return err
	}

	fmt.Printf("created %s intent %q (%s)\n", kind, name, st.UUID)
	fmt.Printf("  %s\n", dir)
	return nil
}

func cmdRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	force := fs.Bool("force", false, "force-unlock instead of resuming")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	root, err := locator.Locate(cwd)
	if err != nil {
		return err
	}

	result := recovery.RecoverAll(root, recovery.Options{ForceUnlock: *force})
	for _, s := range result.Succeeded {
		fmt.Printf("%s: %s\n", s.IntentDir, s.Action)
	}
	for _, f := range result.Failed {
		fmt.Fprintf(os.Stderr, "%s: %v\n", f.IntentDir, f.Err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d intent(s) failed to recover", len(result.Failed))
	}
	return nil
}

func cmdInitConfig() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return config.DefaultConfig().Save(path)
}

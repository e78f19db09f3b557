package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/db"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"list": true, "search": true, "show": true, "update": true, "delete": true,
	"export": true, "import": true, "pdf": true,
	"ingest": true, "draft": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   ___ ___  _   _ _ __ _ __(_) ___ _ __
  / __/ _ \| | | | '__| '__| |/ _ \ '__|
 | (_| (_) | |_| | |  | |  | |  __/ |
  \___\___/ \__,_|_|  |_|  |_|\___|_|

  Incoming and outgoing mail, extracted, drafted and archived

  Usage: courrier <command> [options]
         courrier --help

  MCP server mode requires piped input.`)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Help and version need no database.
	if isHelpOrVersion() {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if !isCLIMode() && len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'courrier --help' for usage.\n")
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not determine home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, ".courrier")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("could not determine working directory: %w", err)
	}

	config.LoadDotEnv(filepath.Join(cwd, ".env"), filepath.Join(baseDir, ".env"))
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.ApplyEnv(cfg, os.LookupEnv)

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(baseDir, "logs", "courrier.log")
	}
	log, err := logger.New(logger.Options{File: logFile, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	database, err := db.Init(baseDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	a := newApp(database, cfg, log)

	if isCLIMode() {
		return newCLIApp(a).Run(os.Args)
	}

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("config.unknown_disabled_tools", zap.Strings("tools", unknown))
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		log.Warn("config.unknown_disabled_types", zap.Strings("types", unknown))
	}
	log.Info("mcp.start", zap.String("version", Version))
	return mcp.Run(mcp.Deps{Store: a.store, Controller: a.ctrl, Logger: log}, cfg, Version)
}

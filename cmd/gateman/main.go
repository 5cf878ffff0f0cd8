package main

import (
	"fmt"
	"os"

	"github.com/gatemandev/gateman/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "setup":
		cmdSetup(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "install-service":
		cmdInstallService()
	case "uninstall-service":
		cmdUninstallService()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: gateman <command> [options]

Commands:
  start              Start the gateman daemon
  stop               Stop the running daemon
  status             Show daemon status and summary stats
  setup              Interactive setup wizard
  keys               Manage API keys (list|set|delete <provider>)
  init-config        Generate default config file
  config-export      Export current config to a TOML file
  config-import      Import config from a TOML file
  install-service    Install as system service (launchd on macOS)
  uninstall-service  Remove the installed system service
  version            Print version information
  help               Show this help message

Options for 'start':
  --foreground       Run in foreground, logging to stderr
  --config <path>    Explicit config file path
  --bind <addr>      Override bind address
  --port <n>         Override listen port
  --log-level <lvl>  Override log level (trace|debug|info|warn|error)
  --data-dir <path>  Override data directory
  --accept <mode>    Override accepted dialects (anthropic|openai|both)

Options for 'setup':
  --non-interactive  Skip interactive prompts`)
}

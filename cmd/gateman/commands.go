package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/daemon"
)

// parseStartFlags walks the argument list for 'start'. Unknown flags are an
// error rather than silently ignored so typos don't launch a misconfigured
// daemon.
func parseStartFlags(args []string) (foreground bool, configPath string, ov config.Overrides, err error) {
	for i := 0; i < len(args); i++ {
		takeValue := func(name string) (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			i++
			return args[i], nil
		}

		switch args[i] {
		case "--foreground", "-f":
			foreground = true
		case "--config":
			configPath, err = takeValue("--config")
		case "--bind":
			ov.BindAddress, err = takeValue("--bind")
		case "--port":
			var raw string
			raw, err = takeValue("--port")
			if err == nil {
				ov.Port, err = strconv.Atoi(raw)
			}
		case "--log-level":
			ov.LogLevel, err = takeValue("--log-level")
		case "--data-dir":
			ov.DataDir, err = takeValue("--data-dir")
		case "--accept":
			ov.AcceptMode, err = takeValue("--accept")
		default:
			err = fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return false, "", config.Overrides{}, err
		}
	}
	return foreground, configPath, ov, nil
}

func cmdStart(args []string) {
	foreground, configPath, ov, err := parseStartFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithOverrides(configPath, ov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("gateman stopped")
}

func cmdStatus() {
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdSetup(args []string) {
	nonInteractive := false
	for _, a := range args {
		if a == "--non-interactive" {
			nonInteractive = true
		}
	}

	if nonInteractive {
		cmdInitConfig()
		fmt.Println("Setup complete. Run 'gateman start' to begin.")
		return
	}

	fmt.Println("Gateman Setup Wizard")
	fmt.Println("====================")
	fmt.Println()

	cmdInitConfig()

	fmt.Println("\nTo add API keys, run: gateman keys set <provider>")
	fmt.Println("Supported providers: anthropic, openai (plus any name from your config)")
	fmt.Println()
	fmt.Println("Setup complete. Run 'gateman start' to begin.")
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", config.ConfigFilePath())
}

func cmdInstallService() {
	if err := daemon.InstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully")
}

func cmdUninstallService() {
	if err := daemon.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error uninstalling service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service uninstalled")
}

func cmdConfigExport(args []string) {
	path := "gateman-export.toml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gateman config-import <file>")
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}

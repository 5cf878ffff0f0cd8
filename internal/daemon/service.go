package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const launchdLabel = "dev.gateman.gateman"

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Binary}}</string>
        <string>start</string>
        <string>--foreground</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>KeepAlive</key>
    <true/>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.DataDir}}/gateman.out.log</string>
    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/gateman.err.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>PATH</key>
        <string>/usr/local/bin:/usr/bin:/bin:/opt/homebrew/bin</string>
    </dict>
    <key>ProcessType</key>
    <string>Background</string>
    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

const systemdUnit = `[Unit]
Description=gateman LLM API gateway
After=network.target

[Service]
ExecStart={{.Binary}} start --foreground
WorkingDirectory={{.DataDir}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type serviceData struct {
	Label   string
	Binary  string
	DataDir string
}

// resolveService figures out where the unit file for this platform lives and
// what goes in it.
func resolveService() (unitPath, tmpl string, data serviceData, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", serviceData{}, fmt.Errorf("determining home directory: %w", err)
	}
	binary, err := os.Executable()
	if err != nil {
		return "", "", serviceData{}, fmt.Errorf("determining executable path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return "", "", serviceData{}, fmt.Errorf("resolving executable symlinks: %w", err)
	}

	data = serviceData{
		Label:   launchdLabel,
		Binary:  binary,
		DataDir: filepath.Join(home, ".gateman"),
	}

	switch runtime.GOOS {
	case "darwin":
		unitPath = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		tmpl = launchdPlist
	case "linux":
		unitPath = filepath.Join(home, ".config", "systemd", "user", "gateman.service")
		tmpl = systemdUnit
	default:
		return "", "", serviceData{}, fmt.Errorf("service install not supported on %s", runtime.GOOS)
	}
	return unitPath, tmpl, data, nil
}

func writeUnit(unitPath, tmplText string, data serviceData) error {
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	if err := os.MkdirAll(data.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	tmpl, err := template.New("unit").Parse(tmplText)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}
	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", unitPath, err)
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("writing unit file: %w", err)
	}
	return f.Close()
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// InstallService writes the platform's service definition (launchd user
// agent on macOS, systemd user unit on Linux) and activates it.
func InstallService() error {
	unitPath, tmpl, data, err := resolveService()
	if err != nil {
		return err
	}
	if err := writeUnit(unitPath, tmpl, data); err != nil {
		return err
	}
	fmt.Printf("Service definition written to %s\n", unitPath)

	switch runtime.GOOS {
	case "darwin":
		// Unload first in case an older definition is still loaded.
		_ = exec.Command("launchctl", "unload", unitPath).Run()
		if err := runCommand("launchctl", "load", unitPath); err != nil {
			return fmt.Errorf("launchctl load: %w", err)
		}
	case "linux":
		if err := runCommand("systemctl", "--user", "daemon-reload"); err != nil {
			return fmt.Errorf("systemctl daemon-reload: %w", err)
		}
		if err := runCommand("systemctl", "--user", "enable", "--now", "gateman.service"); err != nil {
			return fmt.Errorf("systemctl enable: %w", err)
		}
	}
	return nil
}

// UninstallService deactivates the service and removes its definition.
func UninstallService() error {
	unitPath, _, _, err := resolveService()
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "darwin":
		_ = exec.Command("launchctl", "unload", unitPath).Run()
	case "linux":
		_ = exec.Command("systemctl", "--user", "disable", "--now", "gateman.service").Run()
	}

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", unitPath, err)
	}
	return nil
}

package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteUnit_RendersTemplate(t *testing.T) {
	base := t.TempDir()
	unitPath := filepath.Join(base, "units", "gateman.service")
	data := serviceData{
		Label:   launchdLabel,
		Binary:  "/opt/gateman/bin/gateman",
		DataDir: filepath.Join(base, "data"),
	}

	if err := writeUnit(unitPath, systemdUnit, data); err != nil {
		t.Fatalf("writeUnit: %v", err)
	}

	out, err := os.ReadFile(unitPath)
	if err != nil {
		t.Fatalf("reading unit file: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "ExecStart=/opt/gateman/bin/gateman start --foreground") {
		t.Errorf("unit missing ExecStart line:\n%s", text)
	}
	if !strings.Contains(text, "WorkingDirectory="+data.DataDir) {
		t.Errorf("unit missing working directory:\n%s", text)
	}
	if _, err := os.Stat(data.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestWriteUnit_PlistCarriesLabelAndBinary(t *testing.T) {
	base := t.TempDir()
	unitPath := filepath.Join(base, launchdLabel+".plist")
	data := serviceData{
		Label:   launchdLabel,
		Binary:  "/usr/local/bin/gateman",
		DataDir: filepath.Join(base, "data"),
	}

	if err := writeUnit(unitPath, launchdPlist, data); err != nil {
		t.Fatalf("writeUnit: %v", err)
	}

	out, _ := os.ReadFile(unitPath)
	text := string(out)
	for _, want := range []string{
		"<string>" + launchdLabel + "</string>",
		"<string>/usr/local/bin/gateman</string>",
		"<string>--foreground</string>",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("plist missing %q", want)
		}
	}
}

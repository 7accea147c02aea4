package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// chdir switches the process's working directory to dir for the duration
// of the test, restoring it on cleanup. run() resolves the project config
// file relative to os.Getwd(), so tests that care about config resolution
// need an isolated directory.
func chdir(t *testing.T, dir string) {
	t.Helper()

	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}

	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	t.Cleanup(func() {
		os.Chdir(prev) //nolint:errcheck
	})
}

// isolatedEnviron points XDG_CONFIG_HOME at an empty directory under dir so
// these tests never pick up a real global config.Load a developer's
// machine happens to have at ~/.config/migrd/config.json.
func isolatedEnviron(dir string) []string {
	return []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "xdg-empty")}
}

func Test_Run_PrintConfig_Emits_The_Resolved_Defaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var out, errOut bytes.Buffer

	code := run([]string{"migrd", "--print-config"}, isolatedEnviron(dir), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr=%q", code, errOut.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("--print-config output is not valid JSON: %v\noutput: %s", err, out.String())
	}

	if decoded["listen_addr"] != ":32121" {
		t.Fatalf("listen_addr = %v, want :32121", decoded["listen_addr"])
	}
}

func Test_Run_PrintConfig_Reflects_CLI_Overrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var out, errOut bytes.Buffer

	code := run([]string{"migrd", "--print-config", "--listen", ":9999", "--db-count", "4"}, isolatedEnviron(dir), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr=%q", code, errOut.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if decoded["listen_addr"] != ":9999" {
		t.Fatalf("listen_addr = %v, want :9999", decoded["listen_addr"])
	}

	if decoded["db_count"] != float64(4) {
		t.Fatalf("db_count = %v, want 4", decoded["db_count"])
	}
}

func Test_Run_PrintConfig_Reflects_Project_Config_File(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	configPath := filepath.Join(dir, ".migrd.json")
	if err := os.WriteFile(configPath, []byte(`{"db_count": 7}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out, errOut bytes.Buffer

	code := run([]string{"migrd", "--print-config"}, isolatedEnviron(dir), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr=%q", code, errOut.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if decoded["db_count"] != float64(7) {
		t.Fatalf("db_count = %v, want 7 from the project config file", decoded["db_count"])
	}
}

func Test_Run_Rejects_An_Unknown_Flag(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var out, errOut bytes.Buffer

	code := run([]string{"migrd", "-not-a-real-flag"}, isolatedEnviron(dir), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(errOut.String(), "error:") {
		t.Fatalf("stderr = %q, want an error: line", errOut.String())
	}
}

func Test_Run_Reports_An_Explicit_Config_File_That_Does_Not_Exist(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var out, errOut bytes.Buffer

	code := run([]string{"migrd", "--config", "/nonexistent/migrd.json"}, isolatedEnviron(dir), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

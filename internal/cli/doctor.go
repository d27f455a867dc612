package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command runs diagnostic checks to verify tracelod is properly configured.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify tracelod is properly configured.

This command checks:
  - Binary location and permissions
  - MCP configuration file (mcp_settings.json)
  - tracelod config files (global and project)
  - Data directories named by the config
  - Preferences directory
  - Optional dependencies (otel-cli)

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(version)
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

type fsUtils interface {
	Executable() (string, error)
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	UserHomeDir() (string, error)
	Getwd() (string, error)
	LookPath(file string) (string, error)
}

type realFsUtils struct{}

func (r *realFsUtils) Executable() (string, error)           { return os.Executable() }
func (r *realFsUtils) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (r *realFsUtils) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (r *realFsUtils) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (r *realFsUtils) Getwd() (string, error)                { return os.Getwd() }
func (r *realFsUtils) LookPath(file string) (string, error)  { return exec.LookPath(file) }

func runDoctor(version string) error {
	return runDoctorWithUtils(os.Stdout, version, &realFsUtils{})
}

func runDoctorWithUtils(w io.Writer, version string, utils fsUtils) error {
	fmt.Fprintf(w, "🔍 tracelod doctor v%s\n\n", version)

	checks := []func(utils fsUtils) checkResult{
		checkBinaryLocation,
		checkBinaryExecutable,
		checkMCPConfig,
		checkTracelodConfig,
		checkDataDirs,
		checkPrefsDir,
		checkOtelCLI,
	}

	results := make([]checkResult, 0, len(checks))
	for _, check := range checks {
		result := check(utils)
		results = append(results, result)
		printCheckResult(w, result)
	}

	fmt.Fprintln(w)
	summary := summarizeResults(results)
	printSummary(w, summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(w io.Writer, result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Fprintf(w, "%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Fprintf(w, "  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(w io.Writer, summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Fprintf(w, "❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Fprintf(w, "⚠️  %d warning(s)\n", summary.WarnCount)
		}
		return
	}
	if summary.WarnCount > 0 {
		fmt.Fprintf(w, "✅ All critical checks passed!\n")
		fmt.Fprintf(w, "⚠️  %d optional warning(s)\n", summary.WarnCount)
	} else {
		fmt.Fprintf(w, "✅ All checks passed!\n")
	}
	fmt.Fprintf(w, "💡 Run 'tracelod serve' and open the printed /ui/ address\n")
}

// Check 1: Binary location
func checkBinaryLocation(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_location",
			Status:     "fail",
			Message:    "Could not determine binary location",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	absPath, err := filepath.Abs(executable)
	if err != nil {
		absPath = executable
	}

	return checkResult{
		Name:    "binary_location",
		Status:  "pass",
		Message: fmt.Sprintf("Binary location: %s", absPath),
	}
}

// Check 2: Binary executable
func checkBinaryExecutable(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not check if binary is executable",
			IsCritical: true,
		}
	}

	info, err := utils.Stat(executable)
	if err != nil || info == nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not stat binary",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	if info.Mode()&0111 == 0 {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Binary is not executable",
			Suggestion: fmt.Sprintf("Run: chmod +x %s", executable),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "binary_executable",
		Status:  "pass",
		Message: "Binary is executable",
	}
}

// Check 3: MCP configuration. tracelod works without an agent, so a
// missing entry only warns.
func checkMCPConfig(utils fsUtils) checkResult {
	configPath := getMCPConfigPath(utils)
	allPaths := getMCPConfigPaths(utils)

	if _, err := utils.Stat(configPath); err != nil {
		executable, _ := utils.Executable()
		absPath, _ := filepath.Abs(executable)

		var locations strings.Builder
		for _, p := range allPaths {
			fmt.Fprintf(&locations, "  - %s\n", p)
		}

		suggestion := fmt.Sprintf(`MCP config not found. Checked:
%s
  To give an agent timeline tools, add:
  {
    "mcpServers": {
      "tracelod": {
        "command": "%s",
        "args": ["mcp"]
      }
    }
  }`, locations.String(), absPath)

		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    "Optional: MCP config not found",
			Suggestion: suggestion,
		}
	}

	data, err := utils.ReadFile(configPath)
	if err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "Could not read MCP config",
			Suggestion: fmt.Sprintf("Error reading %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	var config struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config is not valid JSON",
			Suggestion: fmt.Sprintf("Error parsing %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	entry, ok := config.MCPServers["tracelod"]
	if !ok {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: "Config does not contain a 'tracelod' server entry",
		}
	}
	if len(entry.Args) == 0 || (entry.Args[0] != "mcp" && entry.Args[0] != "serve") {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: `The 'tracelod' entry should run "mcp" (or "serve --mcp")`,
		}
	}

	executable, _ := utils.Executable()
	absExecutable, _ := filepath.Abs(executable)
	if entry.Command != "" && entry.Command != absExecutable {
		return checkResult{
			Name:    "mcp_config",
			Status:  "warn",
			Message: fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: fmt.Sprintf("Config path (%s) differs from current binary (%s)\n  Update config to use current binary if needed",
				entry.Command, absExecutable),
		}
	}

	return checkResult{
		Name:    "mcp_config",
		Status:  "pass",
		Message: fmt.Sprintf("MCP config found: %s", configPath),
	}
}

// Check 4: tracelod config files parse and validate
func checkTracelodConfig(utils fsUtils) checkResult {
	cfg, paths, err := doctorConfig(utils)
	if err != nil {
		return checkResult{
			Name:       "tracelod_config",
			Status:     "fail",
			Message:    "tracelod config is invalid",
			Suggestion: err.Error(),
			IsCritical: true,
		}
	}
	if err := cfg.Validate(); err != nil {
		return checkResult{
			Name:       "tracelod_config",
			Status:     "fail",
			Message:    "tracelod config is invalid",
			Suggestion: fmt.Sprintf("%s: %v", strings.Join(paths, ", "), err),
			IsCritical: true,
		}
	}
	if len(paths) == 0 {
		return checkResult{
			Name:    "tracelod_config",
			Status:  "pass",
			Message: "No tracelod config files, using built-in defaults",
		}
	}
	return checkResult{
		Name:    "tracelod_config",
		Status:  "pass",
		Message: fmt.Sprintf("tracelod config: %s", strings.Join(paths, ", ")),
	}
}

// Check 5: configured data directories exist and look like OTLP file
// exporter output
func checkDataDirs(utils fsUtils) checkResult {
	cfg, _, err := doctorConfig(utils)
	if err != nil {
		return checkResult{
			Name:    "data_dirs",
			Status:  "warn",
			Message: "Data directories not checked (config is invalid)",
		}
	}
	if len(cfg.DataDirs) == 0 {
		return checkResult{
			Name:       "data_dirs",
			Status:     "warn",
			Message:    "No data directories configured",
			Suggestion: "Pass --data-dir or set data_dirs to browse recorded OTLP JSONL",
		}
	}

	var problems []string
	for _, dir := range cfg.DataDirs {
		info, err := utils.Stat(dir)
		if err != nil || info == nil || !info.IsDir() {
			problems = append(problems, fmt.Sprintf("%s: not a directory", dir))
			continue
		}
		_, tracesErr := utils.Stat(filepath.Join(dir, "traces"))
		_, metricsErr := utils.Stat(filepath.Join(dir, "metrics"))
		if tracesErr != nil && metricsErr != nil {
			problems = append(problems, fmt.Sprintf("%s: has neither traces/ nor metrics/", dir))
		}
	}
	if len(problems) > 0 {
		return checkResult{
			Name:       "data_dirs",
			Status:     "fail",
			Message:    fmt.Sprintf("%d of %d data directories unusable", len(problems), len(cfg.DataDirs)),
			Suggestion: strings.Join(problems, "\n  "),
			IsCritical: true,
		}
	}
	return checkResult{
		Name:    "data_dirs",
		Status:  "pass",
		Message: fmt.Sprintf("Data directories: %s", strings.Join(cfg.DataDirs, ", ")),
	}
}

// Check 6: preferences directory
func checkPrefsDir(utils fsUtils) checkResult {
	cfg, _, err := doctorConfig(utils)
	if err != nil || cfg.PrefsPath == "" {
		return checkResult{
			Name:    "prefs_dir",
			Status:  "warn",
			Message: "Preferences are kept in memory only",
		}
	}
	dir := filepath.Dir(cfg.PrefsPath)
	info, err := utils.Stat(dir)
	if err != nil {
		return checkResult{
			Name:    "prefs_dir",
			Status:  "pass",
			Message: fmt.Sprintf("Preferences directory %s will be created on first use", dir),
		}
	}
	if info == nil || !info.IsDir() {
		return checkResult{
			Name:       "prefs_dir",
			Status:     "warn",
			Message:    fmt.Sprintf("Preferences path %s is not a directory", dir),
			Suggestion: "Set prefs_path in the config to a writable location",
		}
	}
	return checkResult{
		Name:    "prefs_dir",
		Status:  "pass",
		Message: fmt.Sprintf("Preferences: %s", cfg.PrefsPath),
	}
}

// Check 7: otel-cli availability
func checkOtelCLI(utils fsUtils) checkResult {
	path, err := utils.LookPath("otel-cli")
	if err == nil {
		return checkResult{
			Name:    "otel_cli",
			Status:  "pass",
			Message: fmt.Sprintf("Optional: otel-cli found at %s", path),
		}
	}

	return checkResult{
		Name:    "otel_cli",
		Status:  "warn",
		Message: "Optional: otel-cli not found",
		Suggestion: `otel-cli is handy for sending test spans but not required.
  Install with: go install github.com/tobert/otel-cli@latest`,
	}
}

// doctorConfig layers the global and project config files found through
// utils over the defaults, returning the files it read.
func doctorConfig(utils fsUtils) (*Config, []string, error) {
	cfg := DefaultConfig()
	var paths []string

	if home, err := utils.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "tracelod", "config.json")
		cfg.PrefsPath = filepath.Join(home, ".config", "tracelod", "prefs.db")
		if data, err := utils.ReadFile(global); err == nil {
			layer, err := parseConfig(global, data)
			if err != nil {
				return nil, nil, err
			}
			cfg = MergeConfigs(cfg, layer)
			paths = append(paths, global)
		}
	}

	if project := findProjectConfigWith(utils); project != "" {
		data, err := utils.ReadFile(project)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", project, err)
		}
		layer, err := parseConfig(project, data)
		if err != nil {
			return nil, nil, err
		}
		cfg = MergeConfigs(cfg, layer)
		paths = append(paths, project)
	}
	return cfg, paths, nil
}

// findProjectConfigWith is FindProjectConfig over utils.
func findProjectConfigWith(utils fsUtils) string {
	dir, err := utils.Getwd()
	if err != nil || dir == "" {
		return ""
	}
	for {
		for _, name := range projectConfigNames {
			p := filepath.Join(dir, name)
			if _, err := utils.Stat(p); err == nil {
				return p
			}
		}
		if _, err := utils.Stat(filepath.Join(dir, ".git")); err == nil {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// getMCPConfigPaths returns possible MCP config file paths for various agents
func getMCPConfigPaths(utils fsUtils) []string {
	homeDir, err := utils.UserHomeDir()
	if err != nil {
		return nil
	}

	cwd, _ := utils.Getwd()

	var paths []string

	// project-level configs first
	if cwd != "" {
		paths = append(paths,
			filepath.Join(cwd, ".mcp.json"),
			filepath.Join(cwd, ".gemini", "settings.json"),
			filepath.Join(cwd, ".claude", "settings.json"),
		)
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths = append(paths, filepath.Join(appData, "Claude Code", "mcp_settings.json"))
	default:
		paths = append(paths, filepath.Join(homeDir, ".config", "claude-code", "mcp_settings.json"))
	}

	return paths
}

// getMCPConfigPath returns the first existing MCP config file path
func getMCPConfigPath(utils fsUtils) string {
	paths := getMCPConfigPaths(utils)
	for _, path := range paths {
		if _, err := utils.Stat(path); err == nil {
			return path
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}

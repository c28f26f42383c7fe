// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
Camforge Build Automation

A Go-based build and test automation system for the Camforge job
orchestration service and the license reminder scanner.

Usage:
    go run build.go                    # Run full build and test pipeline
    go run build.go test               # Run tests only
    go run build.go build              # Build service and scanner binaries
    go run build.go build-release      # Static linux binaries for deployment
    go run build.go clean              # Clean build artifacts
    go run build.go fmt                # Format Go code
    go run build.go lint               # Run linting (if available)
    go run build.go coverage           # Run tests with coverage
    go run build.go deps               # Check and download dependencies
    go run build.go validate           # Full validation pipeline
    go run build.go install-tools      # Install golangci-lint and gosec
    go run build.go --platform linux/arm64 build  # Cross-build both binaries
*/

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorYellow = "\033[93m"
	colorBlue   = "\033[94m"
	colorCyan   = "\033[96m"
)

// binaryTarget is one of the binaries the module ships.
type binaryTarget struct {
	Name string
	Pkg  string
}

// All binaries are pure Go (modernc.org/sqlite needs no cgo), so every
// build runs with CGO_ENABLED=0 and cross-compiles freely.
var binaryTargets = []binaryTarget{
	{Name: "camforge", Pkg: "./cmd/camforge"},
	{Name: "camforge-scanner", Pkg: "./cmd/camforge-scanner"},
}

// releasePlatform is a target platform for deployment builds.
type releasePlatform struct {
	GOOS   string
	GOARCH string
}

// BuildInfo contains metadata about a build
type BuildInfo struct {
	Version      string `json:"version"`
	Timestamp    string `json:"timestamp"`
	GoVersion    string `json:"go_version"`
	GitCommit    string `json:"git_commit"`
	GitBranch    string `json:"git_branch"`
	GitDirty     bool   `json:"git_dirty"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

// BuildRunner manages the build process
type BuildRunner struct {
	rootDir   string
	buildDir  string
	startTime time.Time
}

// NewBuildRunner creates a new build runner
func NewBuildRunner() (*BuildRunner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	return &BuildRunner{
		rootDir:   wd,
		buildDir:  filepath.Join(wd, "build"),
		startTime: time.Now(),
	}, nil
}

// Print helpers
func (br *BuildRunner) printHeader(title string) {
	fmt.Printf("\n%s%s%s%s\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
	fmt.Printf("%s%s %s%s\n", colorBold, colorBlue, title, colorReset)
	fmt.Printf("%s%s%s%s\n\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
}

func (br *BuildRunner) printStep(step string) {
	fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, step)
}

func (br *BuildRunner) printSuccess(message string) {
	fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, message)
}

func (br *BuildRunner) printError(message string) {
	fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, message)
}

func (br *BuildRunner) printWarning(message string) {
	fmt.Printf("%s%s⚠%s %s\n", colorBold, colorYellow, colorReset, message)
}

// runCommand executes a command and returns exit code, stdout, and stderr
func (br *BuildRunner) runCommand(name string, args []string, cwd string, check bool) (int, string, string, error) {
	if cwd == "" {
		cwd = br.rootDir
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return 1, "", "", fmt.Errorf("command failed: %w", err)
		}
	}

	if check && exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}

	return exitCode, stdout.String(), stderr.String(), nil
}

// version derives the build version from git, falling back to "dev" so
// builds from a source tarball still stamp something sensible.
func (br *BuildRunner) version() string {
	if exitCode, stdout, _, _ := br.runCommand("git", []string{"describe", "--tags", "--always", "--dirty"}, "", false); exitCode == 0 {
		if v := strings.TrimSpace(stdout); v != "" {
			return v
		}
	}
	return "dev"
}

// ldflags returns the linker flags for a stamped release binary.
func (br *BuildRunner) ldflags() string {
	return fmt.Sprintf("-s -w -X main.version=%s", br.version())
}

// CheckPrerequisites verifies required tools are available
func (br *BuildRunner) CheckPrerequisites() bool {
	br.printStep("Checking prerequisites")

	// Check Go installation
	exitCode, stdout, _, err := br.runCommand("go", []string{"version"}, "", false)
	if err != nil || exitCode != 0 {
		br.printError("Go is not installed or not in PATH")
		return false
	}

	goVersion := strings.TrimSpace(stdout)
	br.printSuccess(fmt.Sprintf("Found %s", goVersion))

	// Check if we're in a Go module
	if _, err := os.Stat(filepath.Join(br.rootDir, "go.mod")); os.IsNotExist(err) {
		br.printError("go.mod not found - not in a Go module directory")
		return false
	}

	br.printSuccess("All prerequisites met")
	return true
}

// Clean removes build artifacts
func (br *BuildRunner) Clean() bool {
	br.printStep("Cleaning build artifacts")

	// Remove build directory
	if err := os.RemoveAll(br.buildDir); err != nil {
		if !os.IsNotExist(err) {
			br.printError(fmt.Sprintf("Failed to remove build directory: %v", err))
			return false
		}
	} else {
		br.printSuccess("Removed build directory")
	}

	// Remove binaries from root
	for _, target := range binaryTargets {
		binaryPath := filepath.Join(br.rootDir, target.Name)
		if err := os.Remove(binaryPath); err != nil {
			if !os.IsNotExist(err) {
				br.printError(fmt.Sprintf("Failed to remove binary: %v", err))
			}
		} else {
			br.printSuccess(fmt.Sprintf("Removed %s", target.Name))
		}
	}

	// Remove test artifacts
	testArtifacts := []string{
		"coverage.out",
		"coverage.html",
		"coverage.txt",
	}

	for _, artifact := range testArtifacts {
		artifactPath := filepath.Join(br.rootDir, artifact)
		if err := os.Remove(artifactPath); err == nil {
			br.printSuccess(fmt.Sprintf("Removed %s", artifact))
		}
	}

	// Remove .test, .db, .sqlite files
	patterns := []string{"*.test", "*.db", "*.sqlite", "*.sqlite3"}
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(filepath.Join(br.rootDir, pattern))
		for _, match := range matches {
			os.Remove(match)
		}
	}

	br.printSuccess("Cleaned test artifacts")
	return true
}

// DownloadDependencies fetches and verifies Go module dependencies
func (br *BuildRunner) DownloadDependencies() bool {
	br.printStep("Downloading dependencies")

	exitCode, _, _, _ := br.runCommand("go", []string{"mod", "download"}, "", true)
	if exitCode != 0 {
		return false
	}

	// Verify dependencies
	exitCode, _, _, _ = br.runCommand("go", []string{"mod", "verify"}, "", true)
	if exitCode != 0 {
		br.printError("Dependency verification failed")
		return false
	}

	br.printSuccess("Dependencies downloaded and verified")
	return true
}

// FormatCode formats Go code
func (br *BuildRunner) FormatCode() bool {
	br.printStep("Formatting Go code")

	exitCode, _, _, _ := br.runCommand("go", []string{"fmt", "./..."}, "", true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("Code formatted")
	return true
}

// LintCode runs static analysis on Go code
func (br *BuildRunner) LintCode() bool {
	br.printStep("Linting code")

	// golangci-lint when installed, informational only
	exitCode, _, _, err := br.runCommand("golangci-lint", []string{"--version"}, "", false)
	if err == nil && exitCode == 0 {
		fmt.Println("  Running golangci-lint (informational only)...")
		exitCode, _, _, _ := br.runCommand("golangci-lint", []string{"run"}, "", true)
		if exitCode != 0 {
			br.printWarning("golangci-lint found issues (not failing build)")
		} else {
			br.printSuccess("Linting passed (golangci-lint)")
		}
	}

	// Run go vet as the quality gate
	exitCode, _, _, _ = br.runCommand("go", []string{"vet", "./..."}, "", true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("Static analysis passed (go vet)")
	return true
}

// RunTests executes Go tests
func (br *BuildRunner) RunTests(withCoverage bool) bool {
	br.printStep("Running tests")

	args := []string{"test"}
	if withCoverage {
		args = append(args, "-coverprofile=coverage.out")
	}
	args = append(args, "-v", "./...")

	exitCode, _, _, _ := br.runCommand("go", args, "", true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("All tests passed")

	// Generate coverage report if requested
	if withCoverage {
		coverageFile := filepath.Join(br.rootDir, "coverage.out")
		if _, err := os.Stat(coverageFile); err == nil {
			exitCode, stdout, _, _ := br.runCommand("go", []string{"tool", "cover", "-func=coverage.out"}, "", false)
			if exitCode == 0 {
				// Extract total coverage
				lines := strings.Split(strings.TrimSpace(stdout), "\n")
				for _, line := range lines {
					if strings.Contains(line, "total:") {
						parts := strings.Fields(line)
						if len(parts) > 0 {
							coverage := parts[len(parts)-1]
							br.printSuccess(fmt.Sprintf("Test coverage: %s", coverage))
							break
						}
					}
				}

				// Generate HTML coverage report
				_, _, _, _ = br.runCommand("go", []string{"tool", "cover", "-html=coverage.out", "-o", "coverage.html"}, "", false)
				if _, err := os.Stat(filepath.Join(br.rootDir, "coverage.html")); err == nil {
					br.printSuccess("Coverage report generated: coverage.html")
				}
			}
		}
	}

	return true
}

// BuildBinaries builds the service and scanner binaries for the host platform
func (br *BuildRunner) BuildBinaries() bool {
	br.printStep("Building binaries")

	// Create build directory
	if err := os.MkdirAll(br.buildDir, 0755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	ldflags := br.ldflags()

	for _, target := range binaryTargets {
		binaryName := target.Name
		if runtime.GOOS == "windows" {
			binaryName += ".exe"
		}
		binaryPath := filepath.Join(br.buildDir, binaryName)

		args := []string{
			"build",
			"-ldflags", ldflags,
			"-o", binaryPath,
			target.Pkg,
		}

		cmd := exec.Command("go", args...)
		cmd.Dir = br.rootDir
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			br.printError(fmt.Sprintf("Failed to build %s: %v", target.Name, err))
			if stderr.Len() > 0 {
				fmt.Printf("STDERR:\n%s\n", stderr.String())
			}
			return false
		}

		// Verify binary was created
		info, err := os.Stat(binaryPath)
		if err != nil {
			br.printError(fmt.Sprintf("Binary %s was not created", target.Name))
			return false
		}

		sizeMB := float64(info.Size()) / (1024 * 1024)
		br.printSuccess(fmt.Sprintf("Binary built: %s (%.1f MB)", binaryPath, sizeMB))

		// Both binaries support -version; a clean exit proves the build runs
		exitCode, _, _, _ := br.runCommand(binaryPath, []string{"-version"}, "", false)
		if exitCode == 0 {
			br.printSuccess(fmt.Sprintf("%s execution test passed", target.Name))
		} else {
			br.printWarning(fmt.Sprintf("%s execution test failed", target.Name))
		}
	}

	return true
}

// BuildForPlatform cross-builds both binaries for a specific platform
func (br *BuildRunner) BuildForPlatform(goos, goarch string) bool {
	br.printStep(fmt.Sprintf("Building for %s/%s", goos, goarch))

	// Create build directory
	if err := os.MkdirAll(br.buildDir, 0755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	ext := ""
	if goos == "windows" {
		ext = ".exe"
	}

	ldflags := br.ldflags()

	for _, target := range binaryTargets {
		binaryName := fmt.Sprintf("%s-%s-%s%s", target.Name, goos, goarch, ext)
		binaryPath := filepath.Join(br.buildDir, binaryName)

		args := []string{
			"build",
			"-ldflags", ldflags,
			"-o", binaryPath,
			target.Pkg,
		}

		cmd := exec.Command("go", args...)
		cmd.Dir = br.rootDir
		cmd.Env = append(os.Environ(),
			"CGO_ENABLED=0",
			fmt.Sprintf("GOOS=%s", goos),
			fmt.Sprintf("GOARCH=%s", goarch),
		)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			br.printError(fmt.Sprintf("Failed to build %s for %s/%s: %v", target.Name, goos, goarch, err))
			if stderr.Len() > 0 {
				fmt.Printf("STDERR:\n%s\n", stderr.String())
			}
			return false
		}

		// Verify binary was created
		info, err := os.Stat(binaryPath)
		if err != nil {
			br.printError(fmt.Sprintf("Failed to build %s for %s/%s", target.Name, goos, goarch))
			return false
		}

		sizeMB := float64(info.Size()) / (1024 * 1024)
		br.printSuccess(fmt.Sprintf("Built: %s (%.1f MB)", binaryPath, sizeMB))
	}

	return true
}

// BuildRelease builds static deployment binaries for the platforms the
// service and the scanner cron hosts run on
func (br *BuildRunner) BuildRelease() bool {
	br.printHeader("Building Release Binaries")

	platforms := []releasePlatform{
		{"linux", "amd64"},
		{"linux", "arm64"},
	}

	allOk := true
	for _, platform := range platforms {
		if !br.BuildForPlatform(platform.GOOS, platform.GOARCH) {
			allOk = false
		}
	}

	return allOk
}

// InstallTools installs development tools (golangci-lint and gosec)
func (br *BuildRunner) InstallTools() bool {
	br.printHeader("Installing Development Tools")

	tools := []struct {
		name    string
		pkg     string
		version string
		check   []string
	}{
		{
			name:    "golangci-lint",
			pkg:     "github.com/golangci/golangci-lint/cmd/golangci-lint",
			version: "v2.6.1",
			check:   []string{"golangci-lint", "--version"},
		},
		{
			name:    "gosec",
			pkg:     "github.com/securego/gosec/v2/cmd/gosec",
			version: "latest",
			check:   []string{"gosec", "-version"},
		},
	}

	allOk := true
	for _, tool := range tools {
		br.printStep(fmt.Sprintf("Installing %s", tool.name))

		// Check if already installed
		exitCode, stdout, _, err := br.runCommand(tool.check[0], tool.check[1:], "", false)
		if err == nil && exitCode == 0 {
			version := strings.TrimSpace(strings.Split(stdout, "\n")[0])
			br.printSuccess(fmt.Sprintf("%s already installed: %s", tool.name, version))
			continue
		}

		// Install the tool
		installPkg := fmt.Sprintf("%s@%s", tool.pkg, tool.version)
		br.printStep(fmt.Sprintf("Running: go install %s", installPkg))

		exitCode, _, stderr, _ := br.runCommand("go", []string{"install", installPkg}, "", false)
		if exitCode != 0 {
			br.printError(fmt.Sprintf("Failed to install %s", tool.name))
			if stderr != "" {
				fmt.Printf("Error: %s\n", stderr)
			}
			allOk = false
			continue
		}

		// Verify installation
		exitCode, stdout, _, err = br.runCommand(tool.check[0], tool.check[1:], "", false)
		if err == nil && exitCode == 0 {
			version := strings.TrimSpace(strings.Split(stdout, "\n")[0])
			br.printSuccess(fmt.Sprintf("Successfully installed %s: %s", tool.name, version))
		} else {
			br.printWarning(fmt.Sprintf("%s installed but not found in PATH. You may need to add $GOPATH/bin or $HOME/go/bin to your PATH.", tool.name))
			allOk = false
		}
	}

	if allOk {
		fmt.Println()
		br.printSuccess("All development tools are installed and ready to use!")
	} else {
		fmt.Println()
		br.printWarning("Some tools were not installed successfully. Check the output above for details.")
	}

	return allOk
}

// RunSecurityChecks runs security analysis if tools are available
func (br *BuildRunner) RunSecurityChecks() bool {
	br.printStep("Running security checks")

	// 1. Try gosec if available (informational only)
	exitCode, _, _, err := br.runCommand("gosec", []string{"-version"}, "", false)
	if err == nil && exitCode == 0 {
		fmt.Println("  Running gosec (informational only)...")
		exitCode, _, _, _ := br.runCommand("gosec", []string{"./..."}, "", true)
		if exitCode != 0 {
			br.printWarning("Security scan found issues (not failing build)")
		} else {
			br.printSuccess("Security scan passed")
		}
	} else {
		br.printWarning("gosec not available - skipping security scan")
	}

	// 2. Scan codebase for accidentally committed secrets
	// Patterns that should never appear in source code or logs.
	// NOTE: This will flag these patterns in build.go itself (false positive)
	// and redacted logging examples like "secret=redacted" (also false positive).
	// Real secrets would appear as plaintext values after the = sign.
	secretPatterns := []string{
		"password=",
		"secret=",
		"token=",
		"api_key=",
		"private_key=",
		"whsec_[0-9a-zA-Z]",
		"-----BEGIN.*PRIVATE KEY-----",
	}

	fmt.Println("  Scanning for accidentally committed secrets...")
	foundSecrets := false
	for _, pattern := range secretPatterns {
		// Exclude test files since they carry mock webhook secrets
		grepArgs := []string{
			"-r",
			"-i",
			"-n",
			"--include=*.go",
			"--exclude=*_test.go",
			"--exclude-dir=vendor",
			"--exclude-dir=.git",
			"-E",
			pattern,
			".",
		}

		exitCode, stdout, _, _ := br.runCommand("grep", grepArgs, "", false)
		// grep returns 0 if pattern found, 1 if not found, 2 on error
		if exitCode == 0 && len(strings.TrimSpace(stdout)) > 0 {
			br.printWarning(fmt.Sprintf("Found potential secret pattern '%s':", pattern))
			// Print first few matches
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			for i, line := range lines {
				if i >= 3 {
					fmt.Printf("    ... (%d more matches)\n", len(lines)-3)
					break
				}
				fmt.Printf("    %s\n", line)
			}
			foundSecrets = true
		}
	}

	if foundSecrets {
		br.printWarning("Found potential secrets in codebase - please review")
		br.printWarning("If these are false positives (e.g., redacted examples), ignore this warning")
	} else {
		br.printSuccess("No secrets detected in codebase")
	}

	// 3. Webhook signature enforcement is validated by the billing
	// processor tests; unsigned or tampered payloads never reach the store
	fmt.Println("  ✓ Webhook signature enforcement validated by billing tests")

	return true
}

// GenerateBuildInfo creates build metadata
func (br *BuildRunner) GenerateBuildInfo() *BuildInfo {
	buildInfo := &BuildInfo{
		Version:      br.version(),
		Timestamp:    time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		GitCommit:    "unknown",
		GitBranch:    "unknown",
		GitDirty:     false,
		GoVersion:    "unknown",
	}

	// Get Git information if available
	if exitCode, stdout, _, _ := br.runCommand("git", []string{"rev-parse", "HEAD"}, "", false); exitCode == 0 {
		commit := strings.TrimSpace(stdout)
		if len(commit) >= 8 {
			buildInfo.GitCommit = commit[:8]
		}
	}

	if exitCode, stdout, _, _ := br.runCommand("git", []string{"branch", "--show-current"}, "", false); exitCode == 0 {
		buildInfo.GitBranch = strings.TrimSpace(stdout)
	}

	if exitCode, stdout, _, _ := br.runCommand("git", []string{"status", "--porcelain"}, "", false); exitCode == 0 {
		buildInfo.GitDirty = len(strings.TrimSpace(stdout)) > 0
	}

	// Get Go version
	if exitCode, stdout, _, _ := br.runCommand("go", []string{"version"}, "", false); exitCode == 0 {
		buildInfo.GoVersion = strings.TrimSpace(stdout)
	}

	// Write build info to file
	buildInfoPath := filepath.Join(br.buildDir, "build-info.json")
	if data, err := json.MarshalIndent(buildInfo, "", "  "); err == nil {
		if err := os.WriteFile(buildInfoPath, data, 0644); err != nil {
			br.printWarning(fmt.Sprintf("Failed to write build info: %v", err))
		}
	}

	return buildInfo
}

// Validate runs the full validation pipeline
func (br *BuildRunner) Validate() bool {
	br.printHeader("Camforge Build & Test Validation")

	steps := []struct {
		name string
		fn   func() bool
	}{
		{"Prerequisites", br.CheckPrerequisites},
		{"Dependencies", br.DownloadDependencies},
		{"Format", br.FormatCode},
		{"Lint", br.LintCode},
		{"Tests", func() bool { return br.RunTests(true) }},
		{"Security", br.RunSecurityChecks},
		{"Build", br.BuildBinaries},
	}

	for _, step := range steps {
		if !step.fn() {
			br.printError(fmt.Sprintf("Step '%s' failed", step.name))
			return false
		}
	}

	// Generate build info
	br.GenerateBuildInfo()
	br.printSuccess("Build info generated")

	return true
}

// PrintSummary prints the build summary
func (br *BuildRunner) PrintSummary(success bool) {
	br.printHeader("Build Summary")

	status := "SUCCESS"
	color := colorGreen
	if !success {
		status = "FAILED"
		color = colorRed
	}

	elapsedTime := time.Since(br.startTime).Seconds()

	fmt.Printf("Status: %s%s%s%s\n", colorBold, color, status, colorReset)
	fmt.Printf("Time: %.1fs\n", elapsedTime)

	if success {
		for _, target := range binaryTargets {
			binaryPath := filepath.Join(br.buildDir, target.Name)
			if _, err := os.Stat(binaryPath); err == nil {
				fmt.Printf("Binary: %s\n", binaryPath)
			}
		}
	}
}

func main() {
	// Define command line flags
	var platformFlag string
	flag.StringVar(&platformFlag, "platform", "", "Target platform in the form os/arch (e.g., linux/amd64)")
	flag.Parse()

	// Get command (default to "validate")
	command := "validate"
	args := flag.Args()
	if len(args) > 0 {
		command = args[0]
	}

	// Validate command
	validCommands := map[string]bool{
		"build":         true,
		"build-release": true,
		"test":          true,
		"clean":         true,
		"fmt":           true,
		"lint":          true,
		"coverage":      true,
		"deps":          true,
		"validate":      true,
		"install-tools": true,
	}

	if !validCommands[command] {
		fmt.Fprintf(os.Stderr, "Invalid command: %s\n", command)
		fmt.Fprintf(os.Stderr, "Valid commands: build, build-release, test, clean, fmt, lint, coverage, deps, validate, install-tools\n")
		os.Exit(1)
	}

	// Create build runner
	runner, err := NewBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize build runner: %v\n", err)
		os.Exit(1)
	}

	success := false

	// Execute command
	switch command {
	case "clean":
		success = runner.Clean()

	case "deps":
		success = runner.CheckPrerequisites() && runner.DownloadDependencies()

	case "fmt":
		success = runner.CheckPrerequisites() && runner.FormatCode()

	case "lint":
		success = runner.CheckPrerequisites() && runner.LintCode()

	case "test":
		success = runner.CheckPrerequisites() &&
			runner.DownloadDependencies() &&
			runner.RunTests(false)

	case "coverage":
		success = runner.CheckPrerequisites() &&
			runner.DownloadDependencies() &&
			runner.RunTests(true)

	case "build":
		if platformFlag != "" {
			parts := strings.Split(platformFlag, "/")
			if len(parts) != 2 {
				fmt.Fprintf(os.Stderr, "--platform must be in the form os/arch, e.g., linux/amd64\n")
				os.Exit(1)
			}
			goos, goarch := parts[0], parts[1]
			success = runner.CheckPrerequisites() &&
				runner.DownloadDependencies() &&
				runner.BuildForPlatform(goos, goarch)
		} else {
			success = runner.CheckPrerequisites() &&
				runner.DownloadDependencies() &&
				runner.BuildBinaries()
		}

	case "build-release":
		success = runner.CheckPrerequisites() &&
			runner.DownloadDependencies() &&
			runner.BuildRelease()

	case "install-tools":
		success = runner.CheckPrerequisites() && runner.InstallTools()

	case "validate":
		success = runner.Validate()
	}

	runner.PrintSummary(success)

	if !success {
		os.Exit(1)
	}
}

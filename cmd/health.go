package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/spf13/cobra"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Overall   bool             `json:"overall"`
}

// Check represents an individual health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Healthy bool   `json:"healthy"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the source tree and a running dev server",
	Long: `Performs health checks on the project and the dev server:
- Dev server responsiveness and the state of its last build
- Source directories
- Output directory access

Use --offline to skip the dev server check, e.g. before the first watch.`,
	Args: cobra.NoArgs,
	RunE: runHealthCheck,
}

var (
	healthTimeout time.Duration
	healthVerbose bool
	healthOffline bool
)

func init() {
	rootCmd.AddCommand(healthCmd)

	addServerFlags(healthCmd)
	healthCmd.Flags().DurationVarP(&healthTimeout, "timeout", "t", 3*time.Second, "Timeout for the dev server check")
	healthCmd.Flags().BoolVarP(&healthVerbose, "verbose", "v", false, "Print every check as JSON")
	healthCmd.Flags().BoolVar(&healthOffline, "offline", false, "Skip the dev server check")
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	if err := bindServerFlags(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bc, err := cfg.BuildConfig(cfg.Mode())
	if err != nil {
		return err
	}

	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]Check),
		Overall:   true,
	}

	if !healthOffline {
		checkDevServer(status, bc.ServerAddr)
	}
	checkSourceDirectories(status, bc.Layout)
	checkOutputDirectory(status, bc.Layout)

	if !status.Overall {
		status.Status = "unhealthy"
	}

	out := cmd.OutOrStdout()
	if healthVerbose {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else if status.Overall {
		fmt.Fprintln(out, "✅ All health checks passed")
	} else {
		fmt.Fprintln(out, "❌ Health checks failed")
		for name, check := range status.Checks {
			if !check.Healthy {
				fmt.Fprintf(out, "  - %s: %s\n", name, check.Message)
			}
		}
	}

	if !status.Overall {
		return errors.NewInternalError(errors.ErrCodeHealthCheckFailed, "health checks failed", nil)
	}

	return nil
}

// checkDevServer queries the dev server health endpoint and reports a
// failed last build as unhealthy.
func checkDevServer(status *HealthStatus, addr string) {
	client := &http.Client{Timeout: healthTimeout}

	resp, err := client.Get(fmt.Sprintf("http://%s/__sitepipe/health", addr))
	if err != nil {
		status.fail("dev_server", fmt.Sprintf("Failed to connect to server: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.fail("dev_server", fmt.Sprintf("Server returned status %d", resp.StatusCode))
		return
	}

	var body struct {
		Status string `json:"status"`
		Checks struct {
			Build struct {
				Task  string `json:"task"`
				Error string `json:"error"`
			} `json:"build"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.fail("dev_server", fmt.Sprintf("Unreadable health response: %v", err))
		return
	}

	if body.Status != "healthy" {
		status.fail("dev_server", fmt.Sprintf("Last build failed in %s: %s", body.Checks.Build.Task, body.Checks.Build.Error))
		return
	}

	status.Checks["dev_server"] = Check{Status: "healthy", Message: "Dev server responding", Healthy: true}
}

// checkSourceDirectories requires the page, style and script trees. A
// missing partials tree is only a warning.
func checkSourceDirectories(status *HealthStatus, layout config.Layout) {
	required := map[string]string{
		"pages":   layout.Pages,
		"styles":  layout.Styles,
		"scripts": layout.Scripts,
	}
	var missing []string
	for _, name := range []string{"pages", "styles", "scripts"} {
		if info, err := os.Stat(required[name]); err != nil || !info.IsDir() {
			missing = append(missing, required[name])
		}
	}
	if len(missing) > 0 {
		status.fail("source_dirs", fmt.Sprintf("Missing source directories: %v", missing))
		return
	}

	if _, err := os.Stat(layout.Partials); err != nil {
		status.Checks["source_dirs"] = Check{
			Status:  "warning",
			Message: fmt.Sprintf("No partials directory at %s", layout.Partials),
			Healthy: true,
		}
		return
	}

	status.Checks["source_dirs"] = Check{Status: "healthy", Message: "Source directories present", Healthy: true}
}

// checkOutputDirectory verifies that files can be created where the
// output directory lives.
func checkOutputDirectory(status *HealthStatus, layout config.Layout) {
	dir := layout.Dist
	if _, err := os.Stat(dir); err != nil {
		dir = layout.Root
	}

	tmpFile, err := os.CreateTemp(dir, ".sitepipe-health-*")
	if err != nil {
		status.fail("output_dir", fmt.Sprintf("Cannot write to %s: %v", dir, err))
		return
	}
	_ = tmpFile.Close()
	_ = os.Remove(tmpFile.Name())

	status.Checks["output_dir"] = Check{Status: "healthy", Message: fmt.Sprintf("%s is writable", dir), Healthy: true}
}

func (h *HealthStatus) fail(name, message string) {
	h.Checks[name] = Check{Status: "unhealthy", Message: message, Healthy: false}
	h.Overall = false
}

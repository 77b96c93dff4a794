package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/lookout/internal/config"
	"github.com/stellarlinkco/lookout/internal/datalake"
	"github.com/stellarlinkco/lookout/internal/gateway"
	"github.com/stellarlinkco/lookout/internal/pruner"
	"github.com/stellarlinkco/lookout/internal/trigger"
)

// previewRows caps the candidate listing printed by prune.
const previewRows = 20

var rootCmd = &cobra.Command{
	Use:          "lookout",
	Short:        "lookout - camera capture gateway with anomaly alerts",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (ingestion API, trigger streams, cron, pruning)",
	RunE:  runServe,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Preview or delete full-size images past retention",
	RunE:  runPrune,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <device-id>",
	Short: "Ask a running gateway to trigger a capture on a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and datalake directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lookout status",
	RunE:  runStatus,
}

var (
	pruneDays    int
	pruneBefore  string
	pruneExecute bool
	pruneStreak  bool
	gatewayAddr  string
)

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "retention-days", 0, "override the configured retention window")
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "prune captures older than this time (RFC3339 or YYYY-MM-DD[ HH:MM], UTC)")
	pruneCmd.Flags().BoolVar(&pruneExecute, "execute", false, "delete images instead of previewing")
	pruneCmd.Flags().BoolVar(&pruneStreak, "streak", false, "also thin long runs of identical captures")
	triggerCmd.Flags().StringVar(&gatewayAddr, "addr", "", "gateway address (default from config)")
	rootCmd.AddCommand(serveCmd, pruneCmd, triggerCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Devices.Devices) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("warning: no devices configured; every upload will be rejected"))
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmdContext(cmd))
}

func pruneOptions(cfg *config.Config) (pruner.Options, error) {
	opts := pruner.Options{RetentionDays: pruneDays}
	if pruneDays < 0 {
		return opts, fmt.Errorf("--retention-days must be positive")
	}
	if pruneBefore != "" {
		t, err := pruner.ParseCutoff(pruneBefore)
		if err != nil {
			return opts, err
		}
		opts.Before = t
	}
	if pruneStreak {
		opts.Streak = &pruner.StreakOptions{
			Enabled:   true,
			MinRun:    cfg.Retention.Streak.MinRun,
			KeepEvery: cfg.Retention.Streak.KeepEvery,
		}
	}
	return opts, nil
}

// runPrune works on the datalake directly, so it also works while the
// gateway is down.
func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts, err := pruneOptions(cfg)
	if err != nil {
		return err
	}

	store, err := datalake.Open(cfg.Datalake.Root, cfg.Datalake.DBPath)
	if err != nil {
		return fmt.Errorf("open datalake: %w", err)
	}
	defer store.Close()

	p := pruner.New(store, cfg.Retention.Days, pruner.StreakOptions{
		Enabled:   cfg.Retention.Streak.Enabled,
		MinRun:    cfg.Retention.Streak.MinRun,
		KeepEvery: cfg.Retention.Streak.KeepEvery,
	})
	out := cmd.OutOrStdout()

	preview, err := p.Preview(cmdContext(cmd), opts)
	if err != nil {
		return err
	}
	printCandidates(out, preview)
	if !pruneExecute || preview.Records == 0 {
		fmt.Fprintln(out, preview.Summary())
		if !pruneExecute && preview.Records > 0 {
			fmt.Fprintln(out, color.CyanString("dry run; pass --execute to delete"))
		}
		return nil
	}

	if isTerminal(out) {
		bar := progressbar.NewOptions(preview.Records,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("Pruning"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnProgress = func(done, total int) {
			if total != bar.GetMax() {
				bar.ChangeMax(total)
			}
			_ = bar.Set(done)
		}
		defer bar.Finish()
	}

	rep, err := p.Execute(cmdContext(cmd), opts)
	if err != nil {
		return err
	}
	summary := rep.Summary()
	if rep.Failed > 0 {
		fmt.Fprintln(out, color.YellowString("%s", summary))
	} else {
		fmt.Fprintln(out, color.GreenString("%s", summary))
	}
	return nil
}

func printCandidates(w io.Writer, rep *pruner.Report) {
	if rep.Records == 0 {
		return
	}
	fmt.Fprintf(w, "%s\n", color.New(color.Bold).Sprintf("%d images past %s", rep.Records, rep.Cutoff.Format(time.RFC3339)))
	reasons := make([]string, 0, len(rep.ByReason))
	for r := range rep.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-7s %d\n", r+":", rep.ByReason[r])
	}
	for i, c := range rep.Candidates {
		if i == previewRows {
			fmt.Fprintf(w, "  ... and %d more\n", len(rep.Candidates)-previewRows)
			break
		}
		fmt.Fprintf(w, "  %s  %-12s %-9s %8s  %s\n",
			c.CapturedAt.Format("2006-01-02 15:04"), c.DeviceID, c.State, humanize.Bytes(uint64(c.Bytes)), c.RecordID)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func gatewayURL(cfg *config.Config) string {
	if gatewayAddr != "" {
		if strings.Contains(gatewayAddr, "://") {
			return strings.TrimRight(gatewayAddr, "/")
		}
		return "http://" + gatewayAddr
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmdContext(cmd), 10*time.Second)
	defer cancel()
	endpoint := gatewayURL(cfg) + "/v1/devices/" + url.PathEscape(args[0]) + "/triggers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("trigger rejected (%s): %s", resp.Status, body.Error)
	}
	var ev trigger.Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Issued trigger #%d for %s\n", ev.ID, ev.DeviceID)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Datalake.Root, 0755); err != nil {
		return fmt.Errorf("create datalake: %w", err)
	}
	devicesPath := filepath.Join(cfgDir, "devices.yaml")
	writeIfNotExists(out, devicesPath, defaultDevicesYAML)

	fmt.Fprintf(out, "Datalake ready: %s\n", cfg.Datalake.Root)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. List your cameras in %s and set devices.file in %s\n", devicesPath, cfgPath)
	fmt.Fprintln(out, "  2. Set LOOKOUT_API_KEY (or ANTHROPIC_API_KEY) and add classifier agents")
	fmt.Fprintln(out, "  3. Run 'lookout serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: %s (%v)\n", color.RedString("error"), err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	if len(cfg.Classifier.Agents) == 0 {
		fmt.Fprintf(out, "Agents: %s\n", color.YellowString("none (captures stay uncertain)"))
	} else {
		names := make([]string, 0, len(cfg.Classifier.Agents))
		for _, a := range cfg.Classifier.Agents {
			names = append(names, a.Name)
		}
		fmt.Fprintf(out, "Agents: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(out, "Devices: %d\n", len(cfg.Devices.Devices))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)
	fmt.Fprintf(out, "Kafka: enabled=%v\n", cfg.Events.Kafka.Enabled)
	fmt.Fprintf(out, "MQTT: enabled=%v\n", cfg.Events.MQTT.Enabled)
	fmt.Fprintf(out, "Retention: %d days (%s)\n", cfg.Retention.Days, cfg.Retention.Schedule)

	if _, err := os.Stat(cfg.Datalake.DBPath); err != nil {
		fmt.Fprintf(out, "Datalake: %s\n", color.YellowString("not found (run 'lookout onboard')"))
		return nil
	}
	store, err := datalake.Open(cfg.Datalake.Root, cfg.Datalake.DBPath)
	if err != nil {
		fmt.Fprintf(out, "Datalake: %s (%v)\n", color.RedString("error"), err)
		return nil
	}
	defer store.Close()
	stats, err := store.Stats(cmdContext(cmd))
	if err != nil {
		fmt.Fprintf(out, "Datalake: %s (%v)\n", color.RedString("error"), err)
		return nil
	}
	fmt.Fprintf(out, "Datalake: %s captures, %s full images (%s), %d devices\n",
		humanize.Comma(int64(stats.Captures)), humanize.Comma(int64(stats.WithImage)),
		humanize.Bytes(uint64(stats.ImageBytes)), stats.Devices)
	if n := stats.ByState["abnormal"]; n > 0 {
		fmt.Fprintf(out, "Abnormal: %s\n", color.RedString("%d", n))
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const defaultDevicesYAML = `# Cameras allowed to upload. Disabled devices are rejected.
devices:
  - id: cam-01
    org_id: default
    name: Front door
    normal_description: The entrance is empty and the door is closed.
`

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/core"
	"github.com/rafabd1/Nettle/internal/input"
	"github.com/rafabd1/Nettle/internal/networking"
	"github.com/rafabd1/Nettle/internal/output"
	"github.com/rafabd1/Nettle/internal/report"
	"github.com/rafabd1/Nettle/internal/utils"
)

const (
	exitOK          = 0
	exitUnreachable = 1
	exitConfig      = 2
)

// repeatedFailures is the streak of network failures that earns a note in the summary.
const repeatedFailures = 3

// errUnreachable means no request of the run got a response.
var errUnreachable = errors.New("target could not be reached")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps its error to an exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var cfgErr *config.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	default:
		return exitUnreachable
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "nettle",
		Short:         "Probe a web application's authentication surface for default credentials and unsafe caching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &config.ConfigurationError{Field: "flags", Reason: err.Error()}
	})

	probe := &cobra.Command{
		Use:   "probe [target]",
		Short: "Run the login flow and the cache analysis against a target",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return &config.ConfigurationError{Field: "target", Reason: err.Error()}
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadViper(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("target", args[0])
			}
			return runProbe(cmd.Context(), v, cmd.OutOrStdout())
		},
	}
	addProbeFlags(probe)
	root.AddCommand(probe)
	return root
}

func addProbeFlags(cmd *cobra.Command) {
	d := config.GetDefaultConfig()
	f := cmd.Flags()

	f.String("target", "", "Target base URL (e.g. https://mesh.example.org)")
	f.String("username", d.Target.Credentials.Username, "Username of the fixed credential pair")
	f.String("password", d.Target.Credentials.Password, "Password of the fixed credential pair")

	f.StringArray("endpoint", nil, `Endpoint to analyze for caching, "METHOD /path" or "/path" (repeatable; default: built-in auth endpoints)`)
	f.String("endpoints-file", "", "File with one endpoint per line")
	f.Bool("stdin", false, "Read endpoints from stdin")

	f.String("status-path", d.StatusPath, "Auth status endpoint")
	f.String("login-page-path", d.LoginPagePath, "HTML login page scanned for CSRF tokens")
	f.String("login-path", d.LoginPath, "Login endpoint")
	f.String("admin-path", d.AdminPath, "Admin-only resource used to verify access")
	f.String("default-password-path", d.DefaultPasswordPath, "Endpoint reporting whether the default password is in use")
	f.Bool("check-default-password", d.CheckDefaultPassword, "Query the default-password endpoint (informational)")
	f.Bool("cross-session", d.CrossSession, "Re-request GET endpoints from a fresh session to detect shared caching")

	f.Int("concurrency", d.Concurrency, "Endpoints analyzed in parallel")
	f.Duration("timeout", d.RequestTimeout, "Per-request timeout")
	f.String("user-agent", d.UserAgent, "User-Agent header")
	f.StringArray("header", nil, `Custom header added to every request, "Name: Value" (repeatable)`)
	f.String("proxy", "", "Proxy URL, comma separated list, or file with one proxy per line")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.Float64("rate", d.RequestsPerSecond, "Maximum requests per second per host (0 = unlimited)")
	f.Duration("standby", d.StandbyOn429, "Initial standby for a host after HTTP 429 (0 disables)")

	f.StringP("output", "o", "", "Write the report to this file instead of stdout")
	f.String("format", d.OutputFormat, "Report format: text, json or yaml")
	f.String("loglevel", d.Verbosity, "Log level (debug, info, warn, error)")
	f.Bool("no-color", false, "Disable colored output")
	f.Bool("silent", false, "Only log errors")
}

// loadViper binds flags, NETTLE_* environment variables and the optional config file.
// Flags set on the command line win over the environment, which wins over the file.
func loadViper(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix("NETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return &config.ConfigurationError{Field: "config", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
		}
	}
	return nil
}

// stringList reads a list value that may come from a repeated flag, a YAML list
// or a comma separated environment variable.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	switch raw := v.Get(key).(type) {
	case []string:
		out = append(out, raw...)
	case []interface{}:
		for _, item := range raw {
			out = append(out, fmt.Sprint(item))
		}
	case string:
		out = append(out, strings.Split(raw, ",")...)
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// buildConfig turns the bound settings into a validated run configuration.
func buildConfig(v *viper.Viper, logger utils.Logger) (*config.Config, error) {
	cfg := config.GetDefaultConfig()

	baseURL, err := utils.NormalizeBaseURL(v.GetString("target"))
	if err != nil {
		return nil, &config.ConfigurationError{Field: "target", Reason: err.Error()}
	}
	cfg.Target.BaseURL = baseURL
	cfg.Target.Credentials = config.Credentials{
		Username: v.GetString("username"),
		Password: v.GetString("password"),
	}

	cfg.StatusPath = v.GetString("status-path")
	cfg.LoginPagePath = v.GetString("login-page-path")
	cfg.LoginPath = v.GetString("login-path")
	cfg.AdminPath = v.GetString("admin-path")
	cfg.DefaultPasswordPath = v.GetString("default-password-path")
	cfg.CheckDefaultPassword = v.GetBool("check-default-password")
	cfg.CrossSession = v.GetBool("cross-session")

	cfg.Concurrency = v.GetInt("concurrency")
	cfg.RequestTimeout = v.GetDuration("timeout")
	cfg.UserAgent = v.GetString("user-agent")
	cfg.CustomHeaders = stringList(v, "header")
	cfg.InsecureSkipVerify = v.GetBool("insecure")
	cfg.RequestsPerSecond = v.GetFloat64("rate")
	cfg.StandbyOn429 = v.GetDuration("standby")

	cfg.OutputFile = v.GetString("output")
	cfg.OutputFormat = strings.ToLower(v.GetString("format"))
	cfg.Verbosity = v.GetString("loglevel")
	cfg.NoColor = v.GetBool("no-color")
	cfg.Silent = v.GetBool("silent")

	cfg.ProxyInput = v.GetString("proxy")
	if cfg.ProxyInput != "" {
		proxies, err := utils.ParseProxyInput(cfg.ProxyInput, logger)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "proxy", Reason: err.Error()}
		}
		cfg.ParsedProxies = proxies
	}

	endpoints, err := collectEndpoints(v, logger)
	if err != nil {
		return nil, err
	}
	if len(endpoints) > 0 {
		cfg.Target.Endpoints = endpoints
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// collectEndpoints merges --endpoint, --endpoints-file and --stdin. Empty means defaults.
func collectEndpoints(v *viper.Viper, logger utils.Logger) ([]config.Endpoint, error) {
	endpoints, err := config.ParseEndpoints(stringList(v, "endpoint"))
	if err != nil {
		return nil, err
	}

	reader := input.NewReader(logger)
	if path := v.GetString("endpoints-file"); path != "" {
		fromFile, err := reader.ReadEndpointsFromFile(path)
		if err != nil {
			var cfgErr *config.ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, err
			}
			return nil, &config.ConfigurationError{Field: "endpoints-file", Reason: err.Error()}
		}
		endpoints = append(endpoints, fromFile...)
	}
	if v.GetBool("stdin") {
		fromStdin, err := reader.ReadEndpointsFromStdin()
		if err != nil {
			return nil, &config.ConfigurationError{Field: "stdin", Reason: err.Error()}
		}
		endpoints = append(endpoints, fromStdin...)
	}

	seen := make(map[config.Endpoint]bool, len(endpoints))
	unique := endpoints[:0]
	for _, ep := range endpoints {
		if !seen[ep] {
			seen[ep] = true
			unique = append(unique, ep)
		}
	}
	return unique, nil
}

func runProbe(ctx context.Context, v *viper.Viper, stdout io.Writer) error {
	bar := output.NewProgressBar(0, 30)
	bar.SetPrefix("Cache analysis ")
	logger := utils.NewDefaultLoggerTo(bar.LogWriter(), utils.StringToLogLevel(v.GetString("loglevel")), v.GetBool("no-color"), v.GetBool("silent"))

	cfg, err := buildConfig(v, logger)
	if err != nil {
		return err
	}
	logger.Debugf("Configuration: %s", cfg)
	if len(cfg.ParsedProxies) > 0 {
		logger.Infof("Using %d proxies.", len(cfg.ParsedProxies))
	}

	domainManager := networking.NewDomainManager(cfg, logger)
	client, err := networking.NewClient(cfg, domainManager, logger)
	if err != nil {
		return &config.ConfigurationError{Field: "target", Reason: err.Error()}
	}

	state := core.NewRunState(uuid.NewString(), cfg.Target.BaseURL, cfg.Target.Credentials.Username)

	logger.Infof("Probing %s (login flow, then %d endpoints)", cfg.Target.BaseURL, len(cfg.Target.Endpoints))
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	outcome := core.NewLoginFlowController(core.LoginFlowConfigFromConfig(cfg), session, state, logger).Run(ctx)
	logger.Infof("Login flow finished: login=%s admin=%s", outcome.LoginSucceeded, outcome.AdminAccess)

	analyzer := core.NewCacheAnalyzer(cfg, core.SessionsFrom(client), logger)
	bar.SetTotal(len(cfg.Target.Endpoints))
	analyzer.OnFinding(func(core.CacheFinding) { bar.Increment() })
	if !cfg.Silent {
		bar.Start()
	}
	findings := analyzer.Analyze(ctx, cfg.Target.Endpoints)
	bar.Stop()
	state.SetCacheFindings(findings)
	noteNetworkFailures(state, domainManager, cfg.Target.BaseURL)

	if ctx.Err() != nil {
		logger.Warnf("Interrupted; emitting partial results.")
		state.MarkInterrupted()
	}
	stats := client.Stats()
	state.Finish(stats)
	summary := report.Finalize(state.Snapshot())

	noColor := cfg.NoColor || cfg.OutputFile != ""
	if f, ok := stdout.(*os.File); !ok || !utils.IsTerminal(f) {
		noColor = true
	}
	reporter := report.NewReporter(cfg.OutputFormat, noColor)
	if cfg.OutputFile != "" {
		if err := reporter.GenerateReport(summary, cfg.OutputFile); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		logger.Infof("Report written to %s (%s)", cfg.OutputFile, cfg.OutputFormat)
	} else if err := reporter.Render(stdout, summary); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	logger.Infof("Overall risk: %s (%d requests, %d responses)", summary.OverallRisk, stats.Requests, stats.Responses)
	if !stats.Reached() {
		return errUnreachable
	}
	return nil
}

// noteNetworkFailures records a note when the run ended on a streak of network failures.
func noteNetworkFailures(state *core.RunState, dm *networking.DomainManager, baseURL string) {
	host, err := utils.GetDomainFromURL(baseURL)
	if err != nil {
		return
	}
	if n := dm.ConsecutiveFailures(host); n >= repeatedFailures {
		state.AddNote(fmt.Sprintf("The last %d requests to %s failed at the network level; results may be incomplete.", n, host))
	}
}

// Package main is the entrypoint for the minitube client CLI.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/auth"
	"github.com/MacJediWizard/minitube/internal/config"
	"github.com/MacJediWizard/minitube/internal/devserver"
	"github.com/MacJediWizard/minitube/internal/httpclient"
	"github.com/MacJediWizard/minitube/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "minitube",
		Short: "minitube video client",
		Long: `minitube is a command-line client for a video-sharing service.

It watches and posts live comments and uploads videos.
Run 'minitube login' to connect to a server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (default ~/.minitube/config.yml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(opts),
		newConfigCmd(opts),
		newStatusCmd(opts),
		newCommentsCmd(opts),
		newUploadCmd(opts),
		newUploadsCmd(opts),
		newDevServerCmd(opts),
	)

	return rootCmd
}

func (o *globalOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.DefaultConfigPath()
}

func (o *globalOptions) loadConfig() (*config.ClientConfig, string, error) {
	path, err := o.resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func (o *globalOptions) logger(cfg *config.ClientConfig) zerolog.Logger {
	level := o.logLevel
	if level == "" && cfg != nil {
		level = cfg.LogLevel
	}
	return newLogger(os.Stderr, level)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl := zerolog.WarnLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// session holds the wired collaborators for commands that talk to the API.
type session struct {
	cfg        *config.ClientConfig
	logger     zerolog.Logger
	httpClient *http.Client
	tokens     auth.TokenProvider
	client     *api.Client
	metrics    *metrics.PrometheusMetrics
	stop       func()
}

// newSession loads and validates the config and wires the API client, the
// token provider and, when requested, the metrics endpoint.
func newSession(ctx context.Context, opts *globalOptions) (*session, error) {
	cfg, _, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client not configured: %w", err)
	}

	logger := opts.logger(cfg)
	httpClient, err := httpclient.New(httpclient.Options{Proxy: cfg.Proxy})
	if err != nil {
		return nil, fmt.Errorf("create HTTP client: %w", err)
	}

	tokens, err := auth.FromConfig(ctx, cfg, httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("configure identity: %w", err)
	}

	s := &session{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		tokens:     tokens,
		client:     api.NewClient(cfg.APIURL, httpClient, tokens, logger),
		stop:       func() {},
	}

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.NewPrometheusMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		s.metrics = m
		s.stop = serveMetrics(opts.metricsAddr, reg, logger)
	}

	return s, nil
}

func (s *session) Close() {
	s.stop()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "minitube %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

type loginOptions struct {
	apiURL       string
	token        string
	issuer       string
	clientID     string
	clientSecret string
	refreshToken string
}

func newLoginCmd(opts *globalOptions) *cobra.Command {
	lo := &loginOptions{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials for a minitube server",
		Long: `Store credentials for a minitube server.

Pass --token for a bearer token, or the --oidc-* flags with a refresh token
to mint ID tokens from an OpenID Connect provider. Without either, you are
prompted for a token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts, lo)
		},
	}

	cmd.Flags().StringVar(&lo.apiURL, "api", "", "API base URL")
	cmd.Flags().StringVar(&lo.token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&lo.issuer, "oidc-issuer", "", "OpenID Connect issuer URL")
	cmd.Flags().StringVar(&lo.clientID, "oidc-client-id", "", "OpenID Connect client ID")
	cmd.Flags().StringVar(&lo.clientSecret, "oidc-client-secret", "", "OpenID Connect client secret")
	cmd.Flags().StringVar(&lo.refreshToken, "refresh-token", "", "OpenID Connect refresh token")

	return cmd
}

func runLogin(cmd *cobra.Command, opts *globalOptions, lo *loginOptions) error {
	cfg, path, err := opts.loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if lo.apiURL != "" {
		cfg.APIURL = strings.TrimSuffix(lo.apiURL, "/")
	}

	switch {
	case lo.issuer != "" || lo.refreshToken != "":
		cfg.OIDC = &config.OIDCConfig{
			Issuer:       lo.issuer,
			ClientID:     lo.clientID,
			ClientSecret: lo.clientSecret,
			RefreshToken: lo.refreshToken,
		}
		cfg.Token = ""
	default:
		token := lo.token
		if token == "" {
			fmt.Fprint(out, "Enter token: ")
			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return errors.New("token cannot be empty")
		}
		cfg.Token = token
		cfg.OIDC = nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(out, "Configuration saved to %s\n", path)
	fmt.Fprintf(out, "API: %s\n", cfg.APIURL)
	fmt.Fprintln(out, "Login complete. Run 'minitube status' to verify the connection.")
	return nil
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(opts),
		newConfigSetAPICmd(opts),
	)

	return cmd
}

func newConfigShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Config file: %s\n", path)
			fmt.Fprintln(out)

			if !cfg.IsConfigured() {
				fmt.Fprintln(out, "Client is not configured. Run 'minitube login' to set up.")
				return nil
			}

			fmt.Fprintf(out, "API URL:        %s\n", cfg.APIURL)
			fmt.Fprintf(out, "Live URL:       %s\n", cfg.WebSocketURL())
			switch {
			case cfg.OIDC != nil:
				fmt.Fprintf(out, "Identity:       OIDC (%s)\n", cfg.OIDC.Issuer)
			case cfg.Token != "":
				fmt.Fprintf(out, "Token:          %s\n", maskToken(cfg.Token))
			default:
				fmt.Fprintln(out, "Identity:       anonymous")
			}
			fmt.Fprintf(out, "Proxy:          %s\n", httpclient.ProxyInfo(cfg.Proxy))
			fmt.Fprintf(out, "Upload mode:    %s\n", uploadMode(cfg))
			fmt.Fprintf(out, "Upload limit:   %s\n", formatBytes(cfg.MaxUploadBytes()))
			fmt.Fprintf(out, "Upload types:   %s\n", strings.Join(cfg.AllowedUploadTypes(), ", "))
			fmt.Fprintf(out, "Comment policy: %s\n", commentPolicy(cfg))
			if cfg.Storage != nil {
				fmt.Fprintf(out, "Storage:        %s (%s)\n", cfg.Storage.Bucket, cfg.Storage.Endpoint)
			}

			return nil
		},
	}
}

func newConfigSetAPICmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-api <url>",
		Short: "Set the API base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}

			cfg.APIURL = strings.TrimSuffix(args[0], "/")
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API URL set to: %s\n", cfg.APIURL)
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show identity and server connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !cfg.IsConfigured() {
				fmt.Fprintln(out, "Status: Not configured")
				fmt.Fprintln(out, "Run 'minitube login' to connect to a server.")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			s, err := newSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(out, "API:      %s\n", cfg.APIURL)
			fmt.Fprintf(out, "Identity: %s\n", describeIdentity(ctx, s.tokens, time.Now()))
			fmt.Fprintln(out)

			fmt.Fprint(out, "Checking server connection... ")
			if err := s.client.Health(ctx); err != nil {
				fmt.Fprintln(out, "FAILED")
				return err
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
}

// describeIdentity summarizes the current token for display.
func describeIdentity(ctx context.Context, tokens auth.TokenProvider, now time.Time) string {
	token, err := tokens.Token(ctx)
	switch {
	case errors.Is(err, auth.ErrNoIdentity):
		return "anonymous (" + err.Error() + ")"
	case err != nil:
		return "error: " + err.Error()
	}

	claims, err := auth.ParseClaims(token)
	if err != nil {
		return "token " + maskToken(token)
	}

	var b strings.Builder
	subject := claims.Subject
	if claims.Name != "" {
		subject = claims.Name
	}
	b.WriteString(subject)
	if claims.Email != "" {
		b.WriteString(" <" + claims.Email + ">")
	}
	if !claims.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, ", expires in %s", claims.ExpiresAt.Sub(now).Round(time.Second))
	}
	return b.String()
}

type devServerOptions struct {
	addr           string
	rateLimit      int64
	ratePeriod     string
	jwtSecret      string
	allowAnonymous bool
	publicURL      string
}

func newDevServerCmd(opts *globalOptions) *cobra.Command {
	do := &devServerOptions{}

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory API server for local development",
		Long: `Run an in-memory API server for local development.

It serves comments, the live comment channel, signed upload targets and
video finalization. Nothing is persisted. Any non-empty bearer token is
accepted unless --jwt-secret is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Stderr, opts.logLevel)
			if opts.logLevel == "" {
				logger = logger.Level(zerolog.InfoLevel)
			}

			srv, err := devserver.New(devserver.Config{
				Addr:                  do.addr,
				RateLimit:             do.rateLimit,
				RatePeriod:            do.ratePeriod,
				JWTSecret:             []byte(do.jwtSecret),
				AllowAnonymousChannel: do.allowAnonymous,
				PublicURL:             do.publicURL,
			}, logger)
			if err != nil {
				return fmt.Errorf("create dev server: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Fprintf(cmd.OutOrStdout(), "Dev server listening on %s. Press Ctrl+C to stop.\n", do.addr)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&do.addr, "addr", ":8080", "Listen address")
	cmd.Flags().Int64Var(&do.rateLimit, "rate-limit", 0, "Requests per period per client IP (0 disables)")
	cmd.Flags().StringVar(&do.ratePeriod, "rate-period", "1m", "Rate limit period")
	cmd.Flags().StringVar(&do.jwtSecret, "jwt-secret", "", "Require HS256 tokens signed with this secret")
	cmd.Flags().BoolVar(&do.allowAnonymous, "allow-anonymous-channel", false, "Allow the live channel without a token")
	cmd.Flags().StringVar(&do.publicURL, "public-url", "", "Base URL for generated upload targets")

	return cmd
}

// maskToken returns a masked version of the token for display.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

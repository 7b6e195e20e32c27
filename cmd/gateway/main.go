package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IVVI0927/AIgreement/pkg/alertbus"
	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/config"
)

// Testable variables for main()
var (
	exitFn        = os.Exit
	loadConfigFn  = config.Load
	openConsumer  = func(cfg alertbus.KafkaConfig) (alertSource, error) { return alertbus.NewKafkaConsumer(cfg) }
	signalContext = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

type alertSource interface {
	ReadAlert(ctx context.Context) (alertbus.Alert, error)
	Close() error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitFn(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "AIgreement access-control and resilience gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (environment variables override it)")
	root.AddCommand(newServeCmd(), newTokenCmd(), newHashPasswordCmd(), newAlertsCmd())
	return root
}

func configFlag(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfigFn(path)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFlag(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			ctx, stop := signalContext()
			defer stop()
			return runGateway(ctx, cfg, logger)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFlag(cmd)
			if err != nil {
				return err
			}
			parsed := make([]auth.Role, 0, len(roles))
			for _, raw := range roles {
				r, ok := auth.ParseRole(raw)
				if !ok {
					return fmt.Errorf("unknown role %q", raw)
				}
				parsed = append(parsed, r)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			signer, err := auth.NewSigner(cfg.Auth.JWTSecret, ttl,
				auth.WithIssuer(cfg.Auth.Issuer), auth.WithAudience(cfg.Auth.Audience))
			if err != nil {
				return err
			}
			token, exp, err := signer.Issue(subject, parsed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "credential subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (ADMIN, REVIEWER, VIEWER); repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime; defaults to auth.token_ttl")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for seeding users (reads stdin without --password)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to hash")
	return cmd
}

func newAlertsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Tail escalation and breaker alerts from Kafka as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFlag(cmd)
			if err != nil {
				return err
			}
			src, err := openConsumer(cfg.Kafka)
			if err != nil {
				return err
			}
			defer src.Close()
			ctx, stop := signalContext()
			defer stop()
			return tailAlerts(ctx, src, cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "max", 0, "stop after this many alerts (0 = until interrupted)")
	return cmd
}

func tailAlerts(ctx context.Context, src alertSource, w io.Writer, limit int) error {
	enc := json.NewEncoder(w)
	for n := 0; limit <= 0 || n < limit; n++ {
		a, err := src.ReadAlert(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	return nil
}

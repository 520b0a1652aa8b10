package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/clesyde/lyvo/core/access"
	"github.com/clesyde/lyvo/core/client"
	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
	"github.com/clesyde/lyvo/host"
	"github.com/clesyde/lyvo/lyvo"
)

// Service holds the configuration for this service
type Service struct {
	ConfigDir       string `env:"CONFIG_DIR,default=/config" description:"directory for the registry and the cloud credentials"`
	APIURL          string `env:"LYVO_API_URL" description:"the cloud API, defaults to the production cloud"`
	ProvisioningKey string `env:"LYVO_PROVISIONING_KEY" description:"the provisioning key, defaults to the development key"`
	Listen          string `env:"LISTEN,default=:8123" description:"address of the local REST API"`
	APISecret       string `env:"API_SECRET" description:"secret for bearer tokens of the local REST API"`
	LogLevel        string `env:"LOG_LEVEL,default=info" description:"debug, info, warning or error"`
}

func loadService() (*Service, error) {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	return service, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lyvo",
		Short: "LYVO box agent",
		Long: `The LYVO agent runs the home automation host of a LYVO box with the
CLESYDE cloud integration, and serves its local REST API.

Configuration is read from the environment: CONFIG_DIR, LYVO_API_URL,
LYVO_PROVISIONING_KEY, LISTEN, API_SECRET and LOG_LEVEL.`,
		Version:      host.Version,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(
		newRunCommand(),
		newSerialCommand(),
		newTokenCommand(),
		newCallCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService()
			if err != nil {
				return err
			}
			return run(cmd.Context(), service)
		},
	}
}

func run(ctx context.Context, service *Service) error {
	if service.APISecret == "" {
		return errors.New("API_SECRET is missing")
	}
	if err := os.MkdirAll(service.ConfigDir, 0700); err != nil {
		return err
	}
	reg, err := registry.Open(filepath.Join(service.ConfigDir, "lyvo.db"))
	if err != nil {
		return err
	}
	defer reg.Close()

	hass := host.New(&host.Builder{ConfigDir: service.ConfigDir, Registry: reg})
	hass.ConfigEntries.RegisterIntegration(lyvo.NewIntegration(&lyvo.Builder{
		APIBaseURL:      service.APIURL,
		ProvisioningKey: service.ProvisioningKey,
	}))

	router := mux.NewRouter()
	api := host.NewAPI(&host.APIBuilder{
		Hass:      hass,
		Router:    router,
		JwtSecret: []byte(service.APISecret),
	})

	if err := hass.Start(ctx); err != nil {
		return err
	}
	if len(hass.ConfigEntries.Entries(lyvo.Domain)) == 0 {
		// offer the configuration of the box until it is configured
		if _, err := hass.Flows.Init(ctx, lyvo.Domain, host.SourceSystem, ""); err != nil {
			logger.Default().WithError(err).Errorln("cannot start discovery")
		}
	}

	server := &http.Server{Addr: service.Listen, Handler: api.Handler()}
	go func() {
		logger.Default().Infoln("listen on", service.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Default().WithError(err).Errorln("REST API stopped")
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return hass.Shutdown(shutdownCtx)
}

func newSerialCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serial",
		Short: "Print the serial number of the box",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), lyvo.SerialNumber())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject  string
		roles    []string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create a bearer token for the local REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService()
			if err != nil {
				return err
			}
			token, err := access.NewToken([]byte(service.APISecret), "lyvo", subject, roles, validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "subject of the token")
	cmd.Flags().StringSliceVar(&roles, "role", []string{access.RoleAdmin}, "roles of the token")
	cmd.Flags().DurationVar(&validity, "validity", 24*time.Hour, "validity of the token, 0 never expires")
	return cmd
}

func newCallCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "call <domain.service> [json data]",
		Short: "Call a service through the local REST API",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService()
			if err != nil {
				return err
			}
			domain, name, found := strings.Cut(args[0], ".")
			if !found || domain == "" || name == "" {
				return fmt.Errorf("%s is not a service, use domain.service", args[0])
			}
			data := map[string]interface{}{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("invalid json data: %w", err)
				}
			}
			token, err := access.NewToken([]byte(service.APISecret), "lyvo", "cli", []string{access.RoleUser}, time.Minute)
			if err != nil {
				return err
			}
			if url == "" {
				url = "http://localhost" + service.Listen
				if !strings.HasPrefix(service.Listen, ":") {
					url = "http://" + service.Listen
				}
			}
			var states []host.State
			c := client.NewWithURL(url).WithToken(token).WithContext(cmd.Context())
			if _, err := c.RawPost("/api/services/"+domain+"/"+name, data, &states); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(states, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "base URL of the agent, defaults to the LISTEN address")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), host.Version)
		},
	}
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poolerhq/gateway/internal/identity"
	"github.com/poolerhq/gateway/internal/identity/rest"
	"github.com/poolerhq/gateway/internal/server"
)

const banner = `
 ___  ___   ___  _    ___ ___
| _ \/ _ \ / _ \| |  | __| _ \
|  _/ (_) | (_) | |__| _||   /
|_|  \___/ \___/|____|___|_|_\
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long:  "Start the HTTP server that authenticates bearer tokens and API keys against the configured identity backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg := loadConfig()
	if dev {
		cfg.Logging.Level = "debug"
	}
	logger := buildLogger(cfg.Logging)

	// Build the identity backend: a hosted provider over HTTP, or the
	// embedded store.
	var backend identity.Backend
	mode := cfg.Identity.Mode
	if m := viper.GetString("identity.mode"); m != "" {
		mode = m
	}
	switch mode {
	case "hosted":
		url := cfg.Identity.URL
		if u := viper.GetString("identity.url"); u != "" {
			url = u
		}
		serviceKey := cfg.Identity.ServiceKey
		if k := viper.GetString("identity.service_key"); k != "" {
			serviceKey = k
		}
		anonKey := cfg.Identity.AnonKey
		if k := viper.GetString("identity.anon_key"); k != "" {
			anonKey = k
		}
		if url == "" || serviceKey == "" {
			return fmt.Errorf("identity mode %q requires identity.url and identity.service_key", mode)
		}
		backend = rest.New(rest.Config{
			BaseURL:    url,
			ServiceKey: serviceKey,
			AnonKey:    anonKey,
		})
		logger.Info("identity backend initialized", "mode", "hosted", "url", url)
	case "", "store":
		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open identity store: %w", err)
		}
		defer st.Close()
		backend = st
		logger.Info("identity backend initialized", "mode", "store", "driver", cfg.Identity.Driver)
	default:
		return fmt.Errorf("unknown identity mode %q (want hosted or store)", mode)
	}

	shutdownTimeout := 30 * time.Second
	if cfg.Server.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
			shutdownTimeout = d
		}
	}

	origins := cfg.Server.CORS.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     origins,
		RateLimit:       cfg.Server.RateLimit,
	}

	srv := server.New(srvCfg, backend, logger)

	fmt.Printf("→ Pooler %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Health:    http://%s:%d/health\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dense-identity/softphone/internal/callsession"
	"github.com/dense-identity/softphone/internal/config"
	"github.com/dense-identity/softphone/internal/engine"
	"github.com/dense-identity/softphone/internal/engine/baresip"
	"github.com/dense-identity/softphone/internal/engine/sipua"
	"github.com/dense-identity/softphone/internal/recents"
	"github.com/dense-identity/softphone/internal/telephony"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	cmd := &cli.Command{
		Name:  "softphone",
		Usage: "Single-line SIP softphone",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file overlaid on the environment",
				Sources: cli.EnvVars("SOFTPHONE_CONFIG_FILE"),
			},
			&cli.StringFlag{Name: "engine", Usage: "SIP engine: sipua|baresip"},
			&cli.StringFlag{Name: "log-level", Usage: "logrus level (debug, info, warn, ...)"},
			&cli.StringFlag{Name: "username", Usage: "SIP account username"},
			&cli.StringFlag{Name: "password", Usage: "SIP account password"},
			&cli.StringFlag{Name: "domain", Usage: "SIP account domain"},
			&cli.StringFlag{Name: "baresip", Usage: "baresip ctrl_tcp address"},
			&cli.StringFlag{Name: "listen", Usage: "sipua listen address"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Softphone, error) {
	cfg, err := config.New[config.Softphone]()
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if path := c.String("config"); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	overrides := map[string]*string{
		"engine":    &cfg.Engine,
		"log-level": &cfg.LogLevel,
		"username":  &cfg.Account.Username,
		"password":  &cfg.Account.Password,
		"domain":    &cfg.Account.Domain,
		"baresip":   &cfg.Baresip.Addr,
		"listen":    &cfg.SIP.ListenAddr,
	}
	for name, field := range overrides {
		if c.IsSet(name) {
			*field = c.String(name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEngine(cfg *config.Softphone) engine.Engine {
	if cfg.Engine == config.EngineBaresip {
		return baresip.New(baresip.Config{
			Addr:           cfg.Baresip.Addr,
			CommandTimeout: cfg.Baresip.CommandTimeout,
		})
	}
	return sipua.New(sipua.Config{
		ListenAddr:      cfg.SIP.ListenAddr,
		Transport:       cfg.SIP.Transport,
		ContactHost:     cfg.SIP.ContactHost,
		UserAgent:       cfg.SIP.UserAgent,
		Registrar:       cfg.SIP.Registrar,
		RegisterExpires: cfg.SIP.RegisterExpires,
		MediaPort:       cfg.SIP.MediaPort,
		RequestTimeout:  cfg.SIP.RequestTimeout,
	})
}

func run(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := recents.New(ctx, recents.Options{
		Enabled:    cfg.Recents.Enabled,
		Addr:       cfg.Recents.RedisAddr,
		Username:   cfg.Recents.Username,
		Password:   cfg.Recents.Password,
		DB:         cfg.Recents.DB,
		Prefix:     cfg.Recents.Prefix,
		TTL:        cfg.Recents.TTL,
		MaxEntries: cfg.Recents.MaxEntries,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	console := telephony.NewConsoleProvider(os.Stdout)
	bridge := telephony.NewBridge(console)

	opts := []callsession.Option{
		callsession.WithTelephony(bridge),
		callsession.WithDelegate(printer{}),
		callsession.WithPumpInterval(cfg.PumpInterval),
	}
	if store != nil {
		opts = append(opts, callsession.WithRecorder(store))
	}
	controller := callsession.New(newEngine(cfg), opts...)
	bridge.Bind(controller)

	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Softphone] Controller stopped: %v", err)
		}
	}()

	started := make(chan error, 1)
	controller.StartEngine(func(err error) { started <- err })
	if err := <-started; err != nil {
		controller.Close()
		<-controller.Done()
		return err
	}

	unsubscribe := controller.State().Subscribe(watchState())
	defer unsubscribe()

	log.Println("===== Softphone Started =====")
	log.Printf("  Engine:  %s", cfg.Engine)
	if cfg.Engine == config.EngineBaresip {
		log.Printf("  Baresip: %s", cfg.Baresip.Addr)
	} else {
		log.Printf("  Listen:  %s/%s", cfg.SIP.ListenAddr, cfg.SIP.Transport)
	}
	log.Printf("  Recents: %v", store != nil)
	log.Println("=============================")
	printHelp()

	if cfg.Account.Username != "" {
		register(controller, cfg.Account.Username, cfg.Account.Password, cfg.Account.Domain)
	}

	sh := &shell{
		controller: controller,
		console:    console,
		store:      store,
		stop:       stop,
		out:        os.Stdout,
	}
	go sh.run(os.Stdin)

	<-ctx.Done()

	controller.Close()
	<-controller.Done()
	bridge.Wait()
	log.Println("Softphone stopped")
	return nil
}

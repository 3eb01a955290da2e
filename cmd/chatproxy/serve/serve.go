// Package servecmder provides the serve command that runs the chatproxy HTTP
// server.
package servecmder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatproxy/api"
	"github.com/papercomputeco/chatproxy/cmd/chatproxy/storeopen"
	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/config"
	"github.com/papercomputeco/chatproxy/pkg/eventstream"
	"github.com/papercomputeco/chatproxy/pkg/eventstream/kafka"
	"github.com/papercomputeco/chatproxy/pkg/eventstream/nop"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/proxy/worker"
)

type serveCommander struct {
	listen         string
	upstream       string
	requestTimeout string
	storageDriver  string
	chatsDir       string
	sqlitePath     string
	postgresDSN    string
	events         string
	kafkaBrokers   string
	kafkaTopic     string
	logJSON        bool
	logPretty      bool
	logFile        string

	debug  bool
	cfg    *config.Config
	logger *slog.Logger
}

const serveLongDesc string = `Run the chatproxy server.

The server keeps named conversations with a local OpenAI-compatible model
server (LM Studio by default), relays each answer to the client as a
server-sent event stream and saves both turns once the stream ends.

Settings resolve in this order: flags, CHATPROXY_* environment variables,
config.toml in the .chatproxy/ directory, built-in defaults.

Examples:
  chatproxy serve
  chatproxy serve --upstream http://gpu-box:1234 --listen 0.0.0.0:8080
  chatproxy serve --storage sqlite --sqlite ./chats.db
  chatproxy serve --events kafka --kafka-brokers localhost:9092`

const serveShortDesc string = "Run the chatproxy server"

// serveFlagKeys are the registry entries serve binds to viper.
var serveFlagKeys = []string{
	config.FlagListen,
	config.FlagUpstream,
	config.FlagRequestTimeout,
	config.FlagStorageDriver,
	config.FlagChatsDir,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagEvents,
	config.FlagKafkaBrokers,
	config.FlagKafkaTopic,
	config.FlagLogJSON,
	config.FlagLogPretty,
	config.FlagLogFile,
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return cmder.resolveConfig(cmd, configDir)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			return cmder.run()
		},
	}

	fs := config.ServeFlags
	config.AddStringFlag(cmd, fs, config.FlagListen, &cmder.listen)
	config.AddStringFlag(cmd, fs, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, fs, config.FlagRequestTimeout, &cmder.requestTimeout)
	config.AddStringFlag(cmd, fs, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, fs, config.FlagChatsDir, &cmder.chatsDir)
	config.AddStringFlag(cmd, fs, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, fs, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, fs, config.FlagEvents, &cmder.events)
	config.AddStringFlag(cmd, fs, config.FlagKafkaBrokers, &cmder.kafkaBrokers)
	config.AddStringFlag(cmd, fs, config.FlagKafkaTopic, &cmder.kafkaTopic)
	config.AddBoolFlag(cmd, fs, config.FlagLogJSON, &cmder.logJSON)
	config.AddBoolFlag(cmd, fs, config.FlagLogPretty, &cmder.logPretty)
	config.AddStringFlag(cmd, fs, config.FlagLogFile, &cmder.logFile)

	return cmd
}

// resolveConfig layers flags over env, config file and defaults.
func (c *serveCommander) resolveConfig(cmd *cobra.Command, configDir string) error {
	v, err := config.InitViper(configDir)
	if err != nil {
		return err
	}

	config.BindRegisteredFlags(v, cmd, config.ServeFlags, serveFlagKeys)

	cfg := config.FromViper(v)
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	return nil
}

func (c *serveCommander) run() error {
	log, closeLog, err := newLogger(c.cfg.Log, c.debug)
	if err != nil {
		return err
	}
	defer closeLog()
	c.logger = log

	timeout, err := c.cfg.RequestTimeout()
	if err != nil {
		return err
	}

	ctx := context.Background()

	driver, err := storeopen.Open(ctx, c.cfg.Storage, c.logger)
	if err != nil {
		return err
	}
	defer driver.Close()

	client, err := inference.New(inference.Config{
		BaseURL: c.cfg.Proxy.Upstream,
		Timeout: timeout,
		Logger:  c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating inference client: %w", err)
	}

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	pool, err := worker.NewPool(&worker.Config{
		Publisher: publisher,
		Logger:    c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating event worker pool: %w", err)
	}
	defer pool.Close()

	svc, err := chat.New(chat.Config{
		Driver:   driver,
		Upstream: client,
		Events:   pool,
		Logger:   c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating chat service: %w", err)
	}

	server := api.NewServer(api.Config{
		ListenAddr:  c.cfg.Proxy.Listen,
		UpstreamURL: client.BaseURL(),
	}, svc, client, c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", "signal", sig.String())
	}

	// Deferred closes then drain the event pool and close the store.
	if err := server.Shutdown(); err != nil {
		c.logger.Error("server shutdown failed", "error", err)
	}
	return nil
}

func (c *serveCommander) newPublisher() (eventstream.Publisher, error) {
	switch c.cfg.Events.Provider {
	case config.EventsKafka:
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: c.cfg.Events.KafkaBrokerList(),
			Topic:   c.cfg.Events.KafkaTopic,
			Logger:  c.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		c.logger.Info("publishing turn events to kafka",
			"brokers", c.cfg.Events.KafkaBrokers,
			"topic", c.cfg.Events.KafkaTopic,
		)
		return pub, nil
	default:
		return nop.NewPublisher(), nil
	}
}

// newLogger builds the console logger and, when a log file is configured,
// fans records out to a JSON logger on that file.
func newLogger(cfg config.LogConfig, debug bool) (*slog.Logger, func(), error) {
	console := logger.New(
		logger.WithDebug(debug),
		logger.WithJSON(cfg.JSON),
		logger.WithPretty(cfg.Pretty),
	)

	if cfg.File == "" {
		return console, func() {}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	file := logger.New(
		logger.WithDebug(debug),
		logger.WithJSON(true),
		logger.WithWriter(f),
	)

	return logger.Multi(console, file), func() { f.Close() }, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/message"
	transHTTP "github.com/mirror520/notification/transport/http"
)

func main() {
	app := &cli.App{
		Name:  "notification",
		Usage: "publish and subscribe over a topic/queue backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"NOTIFICATION_PATH"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port",
				EnvVars: []string{"NOTIFICATION_HTTP_PORT"},
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "development logging",
			},
		},
		Before: conf.LoadEnv,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "register configured publishers and subscribers and serve HTTP",
				Action: serve,
			},
			{
				Name:   "provision",
				Usage:  "ensure the topology of every configured subscription",
				Action: provision,
			},
			{
				Name:  "publish",
				Usage: "publish one message",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "type",
						Usage:    "message key",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "payload",
						Usage: "JSON payload",
						Value: "{}",
					},
				},
				Action: publish,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newLogger(cli *cli.Context) (*zap.Logger, error) {
	if cli.Bool("dev") {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

// setup loads the configuration and wires the stack.
func setup(cli *cli.Context) (*stack, *zap.Logger, error) {
	log, err := newLogger(cli)
	if err != nil {
		return nil, nil, err
	}

	zap.ReplaceGlobals(log)

	cfg, err := conf.LoadConfig(conf.Path)
	if err != nil {
		return nil, nil, err
	}

	if conf.Port != 0 {
		cfg.Transports.HTTP.Port = conf.Port
	}

	s, err := newStack(cli.Context, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	return s, log, nil
}

func serve(cli *cli.Context) error {
	ctx, stop := signal.NotifyContext(cli.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, log, err := setup(cli)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer s.Close(context.Background())

	log = log.With(
		zap.String("action", "serve"),
	)

	if err := s.registerConfigured(ctx, log); err != nil {
		return err
	}

	if !s.cfg.Transports.HTTP.Enabled {
		log.Info("http disabled")
		<-ctx.Done()
		return nil
	}

	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(s.cfg.Transports.HTTP.Port),
		Handler: transHTTP.NewRouter(s.endpoints, s.metrics, log),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

	case <-ctx.Done():
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}

func provision(cli *cli.Context) error {
	s, log, err := setup(cli)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer s.Close(context.Background())

	topologies, err := s.provisionAll(cli.Context)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cli.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(topologies)
}

func publish(cli *cli.Context) error {
	payload := cli.String("payload")
	if !json.Valid([]byte(payload)) {
		return errors.New("payload is not valid JSON")
	}

	s, log, err := setup(cli)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer s.Close(context.Background())

	log = log.With(
		zap.String("action", "publish"),
	)

	msg := message.NewWithKey(message.Key(cli.String("type")), json.RawMessage(payload))

	receipt, err := s.publish(cli.Context, log, msg)
	if err != nil {
		return err
	}

	return json.NewEncoder(cli.App.Writer).Encode(receipt)
}

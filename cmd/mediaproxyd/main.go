// Command mediaproxyd brings up one RDMA connection endpoint: a
// transmitter posting sends from stdin, or a receiver posting receives
// until interrupted, depending on --kind. The receiver has no link
// configured, so each received payload is logged at warn level and
// dropped; nothing is written to stdout.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mediamesh/proxycore/internal/config"
	"github.com/mediamesh/proxycore/internal/conn"
	"github.com/mediamesh/proxycore/internal/rdma"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
	"github.com/mediamesh/proxycore/internal/telemetry"
)

func main() {
	flagSet := pflag.NewFlagSet("mediaproxyd", pflag.ExitOnError)
	flagSet.Bool("version", false, "print version and exit")
	flagSet.Bool("create-config", false, "write a default config file and exit")
	flagSet.String("config", "", "path to a YAML config file")
	flagSet.String("config-output", "mediaproxyd.yaml", "output path for --create-config")
	config.SetupFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("mediaproxyd v0.1.0")
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		out, _ := flagSet.GetString("config-output")
		if err := config.WriteDefault(out); err != nil {
			fmt.Fprintf(os.Stderr, "error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created default configuration at %s\n", out)
		os.Exit(0)
	}

	configPath, _ := flagSet.GetString("config")
	cfg, err := config.Load(flagSet, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("mediaproxyd exited with error")
	}
}

func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(ctx context.Context, cfg *config.Config) error {
	kind := conn.KindReceiver
	if cfg.Kind == "transmitter" {
		kind = conn.KindTransmitter
	}

	rdmaCfg := rdma.Config{
		LocalIP:      cfg.LocalIP,
		LocalPort:    cfg.LocalPort,
		RemoteIP:     cfg.RemoteIP,
		RemotePort:   cfg.RemotePort,
		TransferSize: cfg.TransferSize,
		QueueDepth:   cfg.QueueDepth,
	}

	fab := fabric.NewCGOFabric(cfg.RDMADevice)

	transport, err := rdma.New(kind, fab, rdmaCfg, nil)
	if err != nil {
		return fmt.Errorf("mediaproxyd: build transport: %w", err)
	}

	if cfg.MetricsEnabled {
		metrics, err := telemetry.NewMetrics(ctx, cfg.InstanceID, cfg.OTLPCollectorAddr, transport.PoolAvailable)
		if err != nil {
			return fmt.Errorf("mediaproxyd: init telemetry: %w", err)
		}
		defer metrics.Shutdown(context.Background())
		transport.SetMetrics(metrics)
	}

	connection := conn.New(kind, transport)
	transport.SetOwner(connection)

	if err := connection.Configure(ctx); err != nil {
		return fmt.Errorf("mediaproxyd: configure: %w", err)
	}
	if err := connection.Establish(ctx); err != nil {
		return fmt.Errorf("mediaproxyd: establish: %w", err)
	}
	defer connection.Shutdown(context.Background())

	log.Info().Str("kind", kind.String()).Str("local", fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.LocalPort)).
		Str("remote", fmt.Sprintf("%s:%d", cfg.RemoteIP, cfg.RemotePort)).Msg("connection established")

	if kind == conn.KindTransmitter {
		return transmitLoop(ctx, transport, cfg.TransferSize)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// transmitLoop reads payloads sized to the connection's transfer size
// from stdin and transmits each one until stdin closes or ctx is
// cancelled.
func transmitLoop(ctx context.Context, transport *rdma.Connection, transferSize uint32) error {
	buf := make([]byte, transferSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if serr := transport.Transmit(ctx, buf[:n]); serr != nil {
				return fmt.Errorf("mediaproxyd: transmit: %w", serr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mediaproxyd: read stdin: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

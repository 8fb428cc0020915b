// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/median-tracker/pkg/queuedepth"
	"github.com/grafana/median-tracker/pkg/util/instrumentation"
	util_log "github.com/grafana/median-tracker/pkg/util/log"
	"github.com/grafana/median-tracker/pkg/util/version"
)

// configHash exposes information about the loaded config
var configHash = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "median_tracker_config_hash",
		Help: "Hash of the currently active config file.",
	},
	[]string{"sha256"},
)

const (
	configFileOption = "config.file"
	configExpandEnv  = "config.expand-env"

	mediansPath = "/api/v1/medians"

	logfmtFormat = "logfmt"
	jsonFormat   = "json"
)

var testMode = false

// Config is the root config of the median tracker.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	QueueDepth queuedepth.Config `yaml:"queue_depth"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.RegisterFlags(f)
	c.QueueDepth.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if c.Server.HTTPListenPort < 0 || c.Server.HTTPListenPort > 65535 {
		return fmt.Errorf("invalid HTTP listen port %d", c.Server.HTTPListenPort)
	}
	if c.Server.LogFormat != logfmtFormat && c.Server.LogFormat != jsonFormat {
		return fmt.Errorf("unsupported log format %q, expected %s or %s", c.Server.LogFormat, logfmtFormat, jsonFormat)
	}
	return errors.Wrap(c.QueueDepth.Validate(), "invalid queue depth config")
}

type ServerConfig struct {
	HTTPListenPort int         `yaml:"http_listen_port"`
	LogLevel       dslog.Level `yaml:"log_level"`
	LogFormat      string      `yaml:"log_format"`
}

func (c *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.HTTPListenPort, "server.http-listen-port", 8080, "HTTP server listen port, serving metrics and the per-partition medians.")
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", logfmtFormat, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

type mainFlags struct {
	printVersion bool
	printHelp    bool
}

func (mf *mainFlags) registerFlags(fs *flag.FlagSet) {
	fs.BoolVar(&mf.printVersion, "version", false, "Print application version and exit.")
	fs.BoolVar(&mf.printHelp, "help", false, "Print basic help.")
	fs.BoolVar(&mf.printHelp, "h", false, "Print basic help.")
}

func main() {
	// Cleanup all flags registered via init() methods of 3rd-party libraries.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	var (
		cfg       Config
		mainFlags mainFlags
	)

	configFile, expandEnv := parseConfigFileParameter(os.Args[1:])

	// This sets default values from flags to the config.
	// It needs to be called before parsing the config file!
	cfg.RegisterFlags(flag.CommandLine)

	if configFile != "" {
		if err := LoadConfig(configFile, expandEnv, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			if testMode {
				return
			}
			os.Exit(1)
		}
	}

	// Ignore -config.file and -config.expand-env here, since they are parsed separately, but are still present on the command line.
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load.")
	_ = flag.CommandLine.Bool(configExpandEnv, false, "Expands ${var} or $var in config according to the values of the environment variables.")

	mainFlags.registerFlags(flag.CommandLine)

	flag.CommandLine.Usage = func() { /* don't do anything by default, we will print usage ourselves, but only when requested. */ }
	flag.CommandLine.Init(flag.CommandLine.Name(), flag.ContinueOnError)

	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), "Run with -help to get a list of available parameters")
		if !testMode {
			os.Exit(2)
		}
		return
	}

	if mainFlags.printHelp {
		// Print available parameters to stdout, so that users can grep/less them easily.
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Fprintf(os.Stdout, "Usage of %s:\n", flag.CommandLine.Name())
		flag.CommandLine.PrintDefaults()

		if !testMode {
			os.Exit(2)
		}
		return
	}

	if mainFlags.printVersion {
		fmt.Fprintln(os.Stdout, version.Print("median-tracker"))
		return
	}

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		if !testMode {
			os.Exit(1)
		}
		return
	}

	if testMode {
		DumpYaml(&cfg)
		return
	}

	logger := util_log.InitLogger(cfg.Server.LogFormat, cfg.Server.LogLevel)
	util_log.CheckFatal("running application", run(cfg, logger))
}

func run(cfg Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		version.NewCollector("median_tracker"),
		configHash,
	)

	source, err := queuedepth.NewKafkaLagSource(cfg.QueueDepth.Kafka, logger, reg)
	if err != nil {
		return errors.Wrap(err, "creating Kafka lag source")
	}

	smoother := queuedepth.NewSmoother(cfg.QueueDepth, source, logger, reg)

	srv := instrumentation.NewMetricsServer(cfg.Server.HTTPListenPort, reg, logger)
	srv.Handle(mediansPath, smoother)
	if err := srv.Start(); err != nil {
		_ = source.Close()
		return errors.Wrap(err, "starting HTTP server")
	}
	defer srv.Stop()

	level.Info(logger).Log("msg", "Starting application", "version", version.Info())

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, smoother); err != nil {
		return errors.Wrap(err, "starting queue depth smoother")
	}

	// Stop on SIGINT/SIGTERM, or as soon as the smoother terminates on its own.
	handler := signals.NewHandler(logger)
	go func() {
		_ = smoother.AwaitTerminated(ctx)
		handler.Stop()
	}()
	handler.Loop()

	return services.StopAndAwaitTerminated(ctx, smoother)
}

// Parse -config.file and -config.expand-env option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter(args []string) (configFile string, expandEnv bool) {
	// ignore errors and any output here. Any flag errors will be reported by main flag.Parse() call.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// usage not used in these functions.
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&expandEnv, configExpandEnv, false, "")

	// Parsing stops on the first error, eg. unknown flag, so we try remaining parameters until we find the
	// config flags or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	return
}

// LoadConfig read YAML-formatted config from filename into cfg.
func LoadConfig(filename string, expandEnv bool, cfg *Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading config file")
	}

	// create a sha256 hash of the config before expansion and expose it via
	// the config_hash metric
	hash := sha256.Sum256(buf)
	configHash.Reset()
	configHash.WithLabelValues(fmt.Sprintf("%x", hash)).Set(1)

	if expandEnv {
		buf = expandEnvironmentVariables(buf)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "Error parsing config file")
	}

	return nil
}

func DumpYaml(cfg *Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Printf("%s\n", out)
	}
}

// expandEnvironmentVariables replaces ${var} or $var in config according to the values of the current environment variables.
// The replacement is case-sensitive. References to undefined variables are replaced by the empty string.
// A default value can be given by using the form ${var:default value}.
func expandEnvironmentVariables(config []byte) []byte {
	return []byte(os.Expand(string(config), func(key string) string {
		keyAndDefault := strings.SplitN(key, ":", 2)
		key = keyAndDefault[0]

		v := os.Getenv(key)
		if v == "" && len(keyAndDefault) == 2 {
			v = keyAndDefault[1]
		}

		if strings.Contains(v, "\n") {
			return strings.ReplaceAll(v, "\n", "")
		}

		return v
	}))
}

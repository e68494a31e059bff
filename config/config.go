// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	SevenFlowVersion = "-"
)

// init initializes the SevenFlowVersion variable by reading the VERSION file
// from the project root. This function runs automatically when the package
// is imported.
func init() {
	// config.go lives in config/, so the project root is one directory up.
	_, currentFile, _, _ := runtime.Caller(0) //nolint:dogsled
	projectRoot := filepath.Dir(filepath.Dir(currentFile))

	version, err := os.ReadFile(filepath.Join(projectRoot, "VERSION"))
	if err != nil {
		slog.Error("could not read the version file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	SevenFlowVersion = strings.TrimSpace(string(version))

	// Ensure Config is non-nil with default values for tests and simple runs
	if Config == nil {
		Config = initDefaultConfig()
	}
}

var Config *SevenFlowConfig

type SevenFlowConfig struct {
	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level"`

	// Delivery protocol options
	BufferSize           int  `mapstructure:"buffer-size" default:"1000" description:"max messages the router queues while no worker has demand"`
	SupportResend        bool `mapstructure:"support-resend" default:"true" description:"initial resend-support hint until the first consumer Request arrives"`
	ResendIntervalMs     int  `mapstructure:"resend-interval-ms" default:"1000" description:"fixed delay of the first-message resend timer in milliseconds"`
	AdapterAskTimeoutSec int  `mapstructure:"adapter-ask-timeout-sec" default:"20" description:"safety-net timeout for confirmation asks in seconds"`
	PruningIntervalSec   int  `mapstructure:"pruning-interval-sec" default:"3" description:"service-discovery registry pruning interval in seconds"`

	// Durable producer queue
	EnableDurableQueue  bool   `mapstructure:"enable-durable-queue" default:"false" description:"persist sent and confirmed messages for crash recovery"`
	DurableQueueBackend string `mapstructure:"durable-queue-backend" default:"sqlite" description:"durable queue backend to use, values: sqlite, walforge"`
	DurableDir          string `mapstructure:"durable-dir" default:"durable" description:"the directory for durable queue data"`

	// Observability
	MetricsEnabled bool   `mapstructure:"metrics-enabled" default:"true" description:"serve a prometheus-compatible /metrics endpoint"`
	MetricsHost    string `mapstructure:"metrics-host" default:"0.0.0.0" description:"the host address the metrics endpoint binds to"`
	MetricsPort    int    `mapstructure:"metrics-port" default:"7380" description:"the port the metrics endpoint binds to"`

	// Loopback soak runner (the sevenflow binary's runnable surface)
	SoakWorkers   int `mapstructure:"soak-workers" default:"4" description:"number of in-process workers the soak runner registers"`
	SoakMessages  int `mapstructure:"soak-messages" default:"0" description:"messages the soak runner submits; 0 means run until interrupted"`
	SoakDropEvery int `mapstructure:"soak-drop-every" default:"0" description:"drop every Nth transmission in the soak runner's simulated transport; 0 or 1 disables loss"`
	SoakChurnSec  int `mapstructure:"soak-churn-sec" default:"0" description:"every N seconds deregister the oldest worker and register a new one; 0 disables churn"`
}

func Load(flags *pflag.FlagSet) {
	configureMetadataDir()
	viper.SetConfigType("yaml")
	viper.AddConfigPath(MetadataDir)
	viper.SetConfigName("sevenflow")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		// Only update parsed configs if user set value or viper lacks it
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}

	// DurableDir is user-configurable and relative by default; anchor any
	// non-absolute path under the resolved metadata dir so restarts recover
	// from the same location regardless of working directory.
	if Config.DurableDir == "" {
		Config.DurableDir = "durable"
	}
	if !filepath.IsAbs(Config.DurableDir) {
		Config.DurableDir = filepath.Join(MetadataDir, Config.DurableDir)
	}
	if Config.EnableDurableQueue {
		if err := os.MkdirAll(Config.DurableDir, 0o755); err != nil {
			panic(fmt.Errorf("could not create durable-dir '%s': %w", Config.DurableDir, err))
		}
	}
}

// InitConfig initializes the config file.
// If the config file does not exist, it creates a new one.
// If the config file exists, it is overwritten with the new key-values when
// --overwrite is passed.
func InitConfig(flags *pflag.FlagSet) {
	Load(flags)
	configPath := filepath.Join(MetadataDir, "sevenflow.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		err := viper.WriteConfigAs(configPath)
		if err != nil {
			slog.Error("could not write the config file",
				slog.String("path", configPath),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config created", slog.String("path", configPath))
	} else {
		if overwrite, _ := flags.GetBool("overwrite"); overwrite {
			err := viper.WriteConfigAs(configPath)
			if err != nil {
				slog.Error("could not write the config file",
					slog.String("path", configPath),
					slog.String("error", err.Error()))
				os.Exit(1)
			}
			slog.Info("config overwritten", slog.String("path", configPath))
		} else {
			slog.Info("config already exists. skipping.", slog.String("path", configPath))
			slog.Info("run with --overwrite to overwrite the existing config")
		}
	}
}

// configureMetadataDir resolves MetadataDir to an absolute path, creating it
// when missing. Falls back to the current working directory when the
// preferred location is inaccessible.
func configureMetadataDir() {
	if !filepath.IsAbs(MetadataDir) {
		if cwd, err := os.Getwd(); err == nil {
			MetadataDir = filepath.Join(cwd, MetadataDir)
		}
	}
	if err := os.MkdirAll(MetadataDir, 0o755); err != nil {
		slog.Warn("could not create metadata dir; using cwd",
			slog.String("dir", MetadataDir),
			slog.String("error", err.Error()))
		MetadataDir = "."
	}
}

func initDefaultConfig() *SevenFlowConfig {
	return &SevenFlowConfig{
		LogLevel:             "info",
		BufferSize:           1000,
		SupportResend:        true,
		ResendIntervalMs:     1000,
		AdapterAskTimeoutSec: 20,
		PruningIntervalSec:   3,
		DurableQueueBackend:  "sqlite",
		DurableDir:           "durable",
		MetricsEnabled:       true,
		MetricsHost:          "0.0.0.0",
		MetricsPort:          7380,
		SoakWorkers:          4,
	}
}

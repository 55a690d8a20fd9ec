// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentside/plugind/internal/daemon"
	"github.com/agentside/plugind/internal/log"
)

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		manifestDir string
		dbPath      string
		listenAddr  string
		apiURL      string
		stopGrace   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := daemon.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if manifestDir != "" {
				cfg.ManifestDir = manifestDir
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if apiURL != "" {
				cfg.APIBaseURL = apiURL
			}
			if stopGrace != 0 {
				cfg.StopGrace = stopGrace
			}

			d, err := daemon.New(cfg, daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Start(ctx)
			}()

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
				cancel()
				return d.Shutdown(context.Background())
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "Plugin manifest directory")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Admin HTTP listen address")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Platform API base URL handed to workers")
	cmd.Flags().DurationVar(&stopGrace, "stop-grace", 0, "SIGTERM-to-SIGKILL grace window")

	return cmd
}

// Copyright 2024 Alexandre Mahdhaoui
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

// vmsessionctl manages ephemeral VM display sessions on a remote hypervisor
// host:
//
//	vmsessionctl --config config.yaml list
//	vmsessionctl --config config.yaml start <template-uuid>
//	vmsessionctl --config config.yaml stop <domain-uuid> [tunnel-pid]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/alexandremahdhaoui/vmsession/internal/adapter"
	"github.com/alexandremahdhaoui/vmsession/internal/controller"
	"github.com/alexandremahdhaoui/vmsession/internal/util/logging"
	"github.com/alexandremahdhaoui/vmsession/internal/util/ssh"
)

const Name = "vmsessionctl"

func main() {
	var (
		configPath  string
		development bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	pflag.BoolVar(&development, "development", false, "enable human-readable debug logging")
	pflag.Parse()

	if development {
		logging.SetupDevelopment()
	} else {
		logging.SetupDefault()
	}

	if err := run(configPath, pflag.Args()); err != nil {
		slog.Error("command failed", "err", err.Error())
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s [flags] list|start|stop", Name)
	}

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	cfg, err := config.connectionConfig()
	if err != nil {
		return err
	}

	sshClient, err := ssh.NewClient(
		cfg.Hostname,
		cfg.Username,
		cfg.PrivateKeyPath,
		cfg.SSHPort,
		cfg.KnownHostsPath,
	)
	if err != nil {
		return err
	}

	sessions := controller.NewSessionController(
		adapter.NewLibvirtHypervisor(cfg, adapter.NewEnvironmentProbe(sshClient)),
		adapter.NewDomainTransformer(),
		adapter.NewSSHTunnelManager(cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command := args[0]; command {
	case "list":
		return runList(ctx, sessions)
	case "start":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s start <template-uuid>", Name)
		}

		return runStart(ctx, sessions, args[1])
	case "stop":
		if len(args) != 2 && len(args) != 3 {
			return fmt.Errorf("usage: %s stop <domain-uuid> [tunnel-pid]", Name)
		}

		tunnelPID := 0
		if len(args) == 3 {
			if tunnelPID, err = strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("invalid tunnel pid %q: %w", args[2], err)
			}
		}

		return sessions.StopSession(ctx, args[1], tunnelPID)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runList(ctx context.Context, sessions *controller.SessionController) error {
	records, err := sessions.ListDomains(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		state := "inactive"
		if record.Active {
			state = "active"
		}

		kind := "persistent"
		if record.Temporary {
			kind = "temporary"
		}

		fmt.Printf("%s\t%s\t%s\t%s\n", record.UUID, state, kind, record.DisplayName)
	}

	return nil
}

func runStart(ctx context.Context, sessions *controller.SessionController, templateUUID string) error {
	handle, err := sessions.StartSession(ctx, templateUUID)
	if err != nil {
		return err
	}

	fmt.Printf("domain-uuid=%s local-port=%d tunnel-pid=%d\n",
		handle.DomainUUID, handle.LocalPort, handle.TunnelPID)

	return nil
}

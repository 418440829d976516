package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/eddielth/shellyd/logger"
)

// program adapts the daemon to the service manager
type program struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	// Start must not block
	p.done = make(chan error, 1)
	go func() {
		p.done <- runDaemon(p.ctx, flags.configPath, flags.debug, flags.dryRun)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.cancel()
	select {
	case err := <-p.done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(15 * time.Second):
		return fmt.Errorf("daemon did not stop in time")
	}
}

func load(ctx context.Context) (service.Service, *program, error) {
	configPath, err := filepath.Abs(flags.configPath)
	if err != nil {
		return nil, nil, err
	}

	args := []string{"run", "--config", configPath}
	if flags.debug {
		args = append(args, "--debug")
	}
	if flags.dryRun {
		args = append(args, "--dryrun")
	}

	cfg := service.Config{
		Name:        "shellyd",
		DisplayName: "Shelly cloud poller",
		Description: "Polls Shelly cloud sensors every minute and stores their readings",
		Arguments:   args,
	}

	ctx, cancel := context.WithCancel(ctx)
	prg := &program{ctx: ctx, cancel: cancel}
	s, err := service.New(prg, &cfg)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, prg, nil
}

// runService runs the daemon directly when interactive, otherwise hands
// control to the service manager
func runService(ctx context.Context) error {
	if service.Interactive() {
		err := runDaemon(ctx, flags.configPath, flags.debug, flags.dryRun)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	s, _, err := load(ctx)
	if err != nil {
		return err
	}
	return s.Run()
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage shellyd as a " + service.Platform() + " service",
}

func serviceAction(name string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: name + " the shellyd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := load(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("service %s", name)
			return action(s)
		},
	}
}

func init() {
	serviceCmd.AddCommand(
		serviceAction("install", service.Service.Install),
		serviceAction("uninstall", service.Service.Uninstall),
		serviceAction("start", service.Service.Start),
		serviceAction("stop", service.Service.Stop),
		serviceAction("restart", service.Service.Restart),
	)
}

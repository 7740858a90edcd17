package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/example/chatterbox-api/internal/config"
	"github.com/example/chatterbox-api/internal/doctor"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/events"
)

const probeTimeout = 5 * time.Second

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and storage checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "engine: %s\n", cfg.Engine.Kind)

			result := doctor.Run(doctorConfig(cfg), out)
			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(cfg config.Config) doctor.Config {
	dcfg := doctor.Config{
		SkipWorker: cfg.Engine.Kind != config.EngineExec,
		SkipPython: true,
		Dirs: []string{
			cfg.Storage.DataDir,
			cfg.Storage.ReferencePath(),
			cfg.Storage.OutputPath(),
			cfg.Storage.TempPath(),
		},
	}

	if cfg.Engine.Kind == config.EngineExec {
		argv, err := workerArgv(cfg.Engine.Command)
		dcfg.Worker = func() (string, error) {
			if err != nil {
				return "", err
			}
			return exec.LookPath(argv[0])
		}
		if err == nil && isPython(argv[0]) {
			dcfg.SkipPython = false
			dcfg.PythonVersion = func() (string, error) { return probePythonVersion(argv[0]) }
		}
	}

	if cfg.Audio.FFmpegPath != "" {
		dcfg.FFmpegVersion = func() (string, error) { return probeFFmpegVersion(cfg.Audio.FFmpegPath) }
	}

	if cfg.Engine.Kind == config.EngineHTTP {
		url := cfg.Engine.URL
		dcfg.Endpoints = append(dcfg.Endpoints, doctor.Endpoint{
			Name:  "engine worker " + url,
			Probe: func() error { return probeWorker(url) },
		})
	}

	if cfg.Events.NATSURL != "" {
		url := cfg.Events.NATSURL
		dcfg.Endpoints = append(dcfg.Endpoints, doctor.Endpoint{
			Name:  "nats " + url,
			Probe: func() error { return probeNATS(url) },
		})
	}

	return dcfg
}

func workerArgv(command string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("engine command is empty")
	}
	return argv, nil
}

func isPython(bin string) bool {
	return strings.HasPrefix(filepath.Base(bin), "python")
}

// probePythonVersion runs `<bin> --version` and returns e.g. "3.11.4".
func probePythonVersion(bin string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", bin, err)
	}

	raw := strings.TrimPrefix(strings.TrimSpace(string(out)), "Python ")
	if raw == "" {
		return "", fmt.Errorf("%s --version printed nothing", bin)
	}

	return raw, nil
}

// probeFFmpegVersion returns the first line of `ffmpeg -version`.
func probeFFmpegVersion(bin string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("%s -version failed: %w", bin, err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")

	return line, nil
}

func probeWorker(url string) error {
	if url == "" {
		return errors.New("engine.url is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	eng := engine.NewHTTP(url, &http.Client{Timeout: probeTimeout})
	defer eng.Close()

	_, err := eng.Load(ctx)

	return err
}

func probeNATS(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	pub, err := events.Connect(ctx, events.Options{URL: url}, nil)
	if err != nil {
		return err
	}
	pub.Close()

	return nil
}

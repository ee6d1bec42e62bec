package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/speedprobe/internal/app"
	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/NodePath81/speedprobe/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runServer(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "measure":
			os.Exit(runMeasure(os.Args[2:]))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runServer(*configPath)
}

func runServer(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			_ = supervisor.Restart()
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: probe on %s%s, phase %s, payload %s..%s\n",
		util.NetJoin(cfg.Server.BindAddr, cfg.Server.BindPort), cfg.Server.Path,
		cfg.Probe.PhaseDuration.Duration(),
		util.FormatBytes(float64(cfg.Probe.Payload.MinBytes)),
		util.FormatBytes(float64(cfg.Probe.Payload.MaxBytes)))
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`speedprobe - WebSocket bandwidth probe server

Usage:
  speedprobe run --config <path>     Start the probe server
  speedprobe check --config <path>   Validate config file
  speedprobe measure --url <ws-url>  Run a measurement against a server
  speedprobe help                    Show this help
  speedprobe version                 Print version

Legacy:
  speedprobe --config <path>
  speedprobe <config-path>

Signals:
  SIGHUP reloads the config file; live sessions are closed.
`)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/cmd"
	"github.com/Icerzack/excalisync/internal/discovery"
	"github.com/Icerzack/excalisync/internal/rest"
	"github.com/Icerzack/excalisync/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	browse := flag.Bool("browse", false, "list servers on the local network and exit")
	flag.Parse()

	if *browse {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		servers, err := discovery.Browse(ctx, 3*time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, s := range servers {
			fmt.Println(s)
		}
		return
	}

	bootLogger, _ := zap.NewDevelopment()
	config, err := cmd.ParseConfig(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to parse config", zap.Error(err))
	}

	level, err := utils.ParseLevel(config.Apps.LogLevel)
	if err != nil {
		bootLogger.Fatal("Failed to parse log level", zap.Error(err))
	}
	logger, err := utils.NewCustomLogger(level, config.Apps.LogToFiles)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	appsManager := cmd.NewAppsManager(logger)

	restApp := rest.NewRest(config.RestConfig(logger))
	if err := restApp.Init(); err != nil {
		logger.Fatal("Failed to initialize rest app", zap.Error(err))
	}
	appsManager.Register(cmd.RestApp, restApp)

	if config.Apps.Discovery.Enabled {
		appsManager.Register(cmd.DiscoveryApp, discovery.NewDiscovery(config.DiscoveryConfig(), logger))
	}

	appsManager.RunAll()
	appsManager.WaitForShutdown()
}

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver"
)

func main() {
	appCfg, err := ragserver.LoadAppConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := ragserver.NewLogger(appCfg.LogLevel, appCfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	fileCfg, err := ragserver.LoadFileConfig(appCfg.ConfigFile)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", appCfg.ConfigFile), zap.Error(err))
	}

	s := ragserver.New(
		ragserver.WithHost(appCfg.Host),
		ragserver.WithPort(appCfg.Port),
		ragserver.WithConfig(fileCfg),
		ragserver.WithLogger(logger),
	)
	if err := s.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

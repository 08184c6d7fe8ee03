package cmd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

const (
	RestApp      = "rest"
	DiscoveryApp = "discovery"
)

// App is a long running part of the process. Start blocks until the app
// stops and Stop makes it return.
type App interface {
	Start() error
	Stop()
}

type AppsManager struct {
	names []string
	apps  map[string]App
	wg    *sync.WaitGroup

	// failed receives the name of an app whose Start returned an error
	failed chan string

	logger *zap.Logger
}

func NewAppsManager(logger *zap.Logger) *AppsManager {
	return &AppsManager{
		apps:   make(map[string]App),
		wg:     &sync.WaitGroup{},
		failed: make(chan string, 1),
		logger: logger,
	}
}

// Register adds an app, apps start in registration order and stop in reverse.
func (am *AppsManager) Register(name string, app App) {
	if _, ok := am.apps[name]; !ok {
		am.names = append(am.names, name)
	}
	am.apps[name] = app
}

func (am *AppsManager) Run(name string) {
	app, ok := am.apps[name]
	if !ok {
		return
	}
	am.wg.Add(1)
	go func() {
		defer am.wg.Done()
		am.logger.Info("App started", zap.String("name", name))
		if err := app.Start(); err != nil {
			am.logger.Error("App failed", zap.String("name", name), zap.Error(err))
			select {
			case am.failed <- name:
			default:
			}
			return
		}
		am.logger.Info("App finished", zap.String("name", name))
	}()
}

func (am *AppsManager) Stop(name string) {
	app, ok := am.apps[name]
	if !ok {
		return
	}
	app.Stop()
	am.logger.Info("App stopped", zap.String("name", name))
}

func (am *AppsManager) RunAll() {
	for _, name := range am.names {
		am.Run(name)
	}
}

func (am *AppsManager) StopAll() {
	for i := len(am.names) - 1; i >= 0; i-- {
		am.Stop(am.names[i])
	}
}

// WaitForShutdown blocks until SIGINT, SIGTERM or a failing app, then stops
// every app and waits for them to return.
func (am *AppsManager) WaitForShutdown() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	am.waitFor(stop)
}

func (am *AppsManager) waitFor(stop <-chan os.Signal) {
	select {
	case sig := <-stop:
		am.logger.Info("Shutting down", zap.String("signal", sig.String()))
	case name := <-am.failed:
		am.logger.Info("Shutting down after app failure", zap.String("name", name))
	}

	am.StopAll()
	am.wg.Wait()
}

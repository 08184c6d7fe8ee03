package cmd

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeApp struct {
	name string
	err  error
	log  *stopLog

	stop chan struct{}
	once sync.Once
}

type stopLog struct {
	mu    sync.Mutex
	names []string
}

func (l *stopLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func newFakeApp(name string, err error, log *stopLog) *fakeApp {
	return &fakeApp{name: name, err: err, log: log, stop: make(chan struct{})}
}

func (a *fakeApp) Start() error {
	if a.err != nil {
		return a.err
	}
	<-a.stop
	return nil
}

func (a *fakeApp) Stop() {
	a.once.Do(func() {
		a.log.add(a.name)
		close(a.stop)
	})
}

func waitDone(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("apps did not shut down")
	}
}

func TestAppsManagerStopsInReverseOrder(t *testing.T) {
	log := &stopLog{}
	am := NewAppsManager(zap.NewNop())
	am.Register("first", newFakeApp("first", nil, log))
	am.Register("second", newFakeApp("second", nil, log))
	am.Register("third", newFakeApp("third", nil, log))
	am.RunAll()

	stop := make(chan os.Signal, 1)
	stop <- syscall.SIGTERM
	waitDone(t, func() { am.waitFor(stop) })

	assert.Equal(t, []string{"third", "second", "first"}, log.names)
}

func TestAppsManagerFailureShutsDown(t *testing.T) {
	log := &stopLog{}
	am := NewAppsManager(zap.NewNop())
	am.Register(RestApp, newFakeApp(RestApp, nil, log))
	am.Register(DiscoveryApp, newFakeApp(DiscoveryApp, errors.New("no multicast"), log))
	am.RunAll()

	waitDone(t, func() { am.waitFor(make(chan os.Signal)) })
	assert.Contains(t, log.names, RestApp)
}

func TestAppsManagerIgnoresUnknown(t *testing.T) {
	am := NewAppsManager(zap.NewNop())
	am.Run("missing")
	am.Stop("missing")
	am.StopAll()
}

package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ConfigPath = "/srv/refcas.yaml"
	cfg.UserName = "refcas"

	tests := []struct {
		goos     string
		user     string
		hasDeps  bool
		optionKs []string
	}{
		{"linux", "refcas", true, []string{"Restart", "RestartSec"}},
		{"darwin", "refcas", false, []string{"KeepAlive", "RunAtLoad"}},
		{"windows", "", false, []string{"OnFailure", "OnFailureDelay"}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			sc := NewServiceConfig(cfg, tt.goos)
			assert.Equal(t, "refcas", sc.Name)
			assert.Equal(t, []string{"serve", RunFlag, "--config", "/srv/refcas.yaml"}, sc.Arguments)
			assert.Equal(t, tt.user, sc.UserName)
			assert.Equal(t, tt.hasDeps, len(sc.Dependencies) > 0)
			for _, k := range tt.optionKs {
				assert.Contains(t, sc.Option, k)
			}
		})
	}
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"refcas", "serve", RunFlag}))
	assert.False(t, IsServiceMode([]string{"refcas", "serve"}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/refcas/refcas.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, prg.Start(nil))

	select {
	case path := <-started:
		assert.Equal(t, "/etc/refcas/refcas.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, prg.Stop(nil), "context.Canceled is a clean stop")
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Run: func(context.Context, string) error { return boom }}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgram_StartWithoutRun(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestLogCommand(t *testing.T) {
	name, args, err := LogCommand("linux", LogOptions{ServiceName: "refcas", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "refcas", "-n", "50", "--no-pager", "-f"}, args)

	name, args, err = LogCommand("darwin", LogOptions{ServiceName: "refcas", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "10", "/var/log/refcas.out.log", "/var/log/refcas.err.log"}, args)

	_, _, err = LogCommand("plan9", LogOptions{ServiceName: "refcas"})
	assert.Error(t, err)
}

package app

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger(t *testing.T) util.Logger {
	t.Helper()
	logger, err := util.NewLoggerWith(&strings.Builder{}, "error", "text")
	require.NoError(t, err)
	return logger
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func getHealth(t *testing.T, addr string) map[string]any {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestRuntimeServesProbeAndControl(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BindAddr = "127.0.0.1"
	cfg.Server.BindPort = 0
	cfg.Control.BindPort = 0

	rt, err := NewRuntime(cfg, quietLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+rt.ProbeAddr()+"/speedtest", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return getHealth(t, rt.ControlAddr())["sessions"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, true, getHealth(t, rt.ControlAddr())["ok"])
}

func TestRuntimeWithoutControl(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BindAddr = "127.0.0.1"
	cfg.Server.BindPort = 0
	disabled := false
	cfg.Control.Enabled = &disabled

	rt, err := NewRuntime(cfg, quietLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Stop()
	assert.Empty(t, rt.ControlAddr())
	assert.NotEmpty(t, rt.ProbeAddr())
}

func TestRuntimeMissingGeoIP(t *testing.T) {
	cfg := config.Default()
	cfg.GeoIP.Database = filepath.Join(t.TempDir(), "missing.mmdb")
	_, err := NewRuntime(cfg, quietLogger(t), nil)
	require.Error(t, err)
}

func TestSupervisorRestart(t *testing.T) {
	probePort := freePort(t)
	controlPort := freePort(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := fmt.Sprintf(`log:
  level: error
server:
  bind_addr: 127.0.0.1
  bind_port: %d
control:
  bind_addr: 127.0.0.1
  bind_port: %d
`, probePort, controlPort)
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	sup := NewSupervisor(path, quietLogger(t))
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()
	require.NotNil(t, first)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", controlPort), first.ControlAddr())

	require.NoError(t, sup.Restart())
	second := sup.Runtime()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	getHealth(t, second.ControlAddr())

	sup.Stop()
	assert.Nil(t, sup.Runtime())
}

func TestSupervisorBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("probe:\n  phase_duration: -1s\n"), 0o644))
	sup := NewSupervisor(path, quietLogger(t))
	require.Error(t, sup.Start())
	assert.Nil(t, sup.Runtime())
}

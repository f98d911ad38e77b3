package main

import (
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/candy-vending/internal/config"
)

func testConfig(port int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            port,
			Mode:            "test",
			ShutdownTimeout: 5 * time.Second,
		},
		Hardware: config.HardwareConfig{Driver: "simulated", Channels: 16},
		Sensor:   config.SensorConfig{Cooldown: time.Second, PollInterval: 5 * time.Millisecond},
		Servo:    config.ServoConfig{Speed: 0.5},
		Credits:  config.CreditsConfig{PerEnvelope: 1, CostPerDispense: 1},
		Slots: []config.SlotConfig{
			{ID: 1, Name: "Heart Candy", Channel: 0, SpinDuration: time.Second},
		},
		Monitor: config.MonitorConfig{Enabled: true, MetricsPath: "/metrics"},
	}
}

func TestStartFailureStopsLoopsBeforeClosing(t *testing.T) {
	// 端口被占用，startServices在协程启动后失败
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	s := NewServer(testConfig(busy.Addr().(*net.TCPAddr).Port))
	require.Error(t, s.Start())

	require.Eventually(t, func() bool { return s.monitor.Stats().Samples > 0 }, time.Second, 5*time.Millisecond)

	s.abort()
	assert.Error(t, s.ctx.Err())

	samples := s.monitor.Stats().Samples
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, samples, s.monitor.Stats().Samples, "monitor must not sample after abort")
}

func TestStartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewServer(testConfig(port))
	require.NoError(t, s.Start())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown())
	assert.Error(t, s.ctx.Err())
}

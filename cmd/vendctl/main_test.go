package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/candy-vending/internal/api"
	"github.com/wfunc/candy-vending/internal/broadcast"
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/hardware"
	"github.com/wfunc/candy-vending/internal/vending"
	"github.com/wfunc/candy-vending/internal/websocket"
)

// VendctlTestSuite 命令行对接真实路由
type VendctlTestSuite struct {
	suite.Suite
	driver  *hardware.SimulatedDriver
	machine *vending.Machine
	server  *httptest.Server
}

func (s *VendctlTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.driver = hardware.NewSimulatedDriver(16, nil)
	s.driver.SetSleep(func(time.Duration) {})

	hub := broadcast.NewHub(8, nil)
	s.machine = vending.NewMachine(s.driver, hub, nil, vending.Options{
		Slots: []vending.Slot{
			{ID: 1, Name: "Heart Candy", Channel: 0, SpinDuration: 2 * time.Second, SpinMs: 2000, Enabled: true},
			{ID: 2, Name: "Chocolate", Channel: 1, SpinDuration: time.Second, SpinMs: 1000, Enabled: true},
		},
	}, nil)
	router := api.NewRouter(api.Options{
		Machine:   s.machine,
		WebSocket: websocket.NewServer(hub, config.WebSocketConfig{}, nil),
	}, nil)
	s.server = httptest.NewServer(router.Handler())
}

func (s *VendctlTestSuite) TearDownTest() {
	s.server.Close()
}

func TestVendctlSuite(t *testing.T) {
	suite.Run(t, new(VendctlTestSuite))
}

func (s *VendctlTestSuite) run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", s.server.URL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *VendctlTestSuite) TestDepositThenDispense() {
	out, err := s.run("deposit")
	s.Require().NoError(err)
	s.Contains(out, "credits: 1")

	out, err = s.run("dispense", "2")
	s.Require().NoError(err)
	s.Contains(out, "dispensed slot 2, 0 credits left")
	s.Len(s.driver.Actuations(), 1)
}

func (s *VendctlTestSuite) TestDispenseWithoutCredit() {
	_, err := s.run("dispense", "1")
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrInsufficientCredit))
	s.Empty(s.driver.Actuations())
}

func (s *VendctlTestSuite) TestDispenseArgs() {
	_, err := s.run("dispense")
	s.Error(err)

	_, err = s.run("dispense", "one")
	s.Error(err)
}

func (s *VendctlTestSuite) TestState() {
	s.machine.SimulateDeposit()

	out, err := s.run("state")
	s.Require().NoError(err)
	s.Contains(out, "credits=1")
	s.Contains(out, "Heart Candy")
	s.Contains(out, "spin=1000ms")

	out, err = s.run("state", "--json")
	s.Require().NoError(err)
	s.True(strings.HasPrefix(out, "{"))
	s.Contains(out, `"credits":1`)
}

func (s *VendctlTestSuite) TestWatch() {
	s.machine.SimulateDeposit()

	out, err := s.run("watch", "--count", "1")
	s.Require().NoError(err)
	s.Contains(out, "credits=1")
	s.Contains(out, "version=1")
}

func TestServerUnreachable(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--server", "http://127.0.0.1:1", "--timeout", "500ms", "state"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceOffline))
}

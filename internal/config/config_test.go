package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/candy-vending/internal/errors"
)

const sampleConfig = `
server:
  port: 9000
hardware:
  driver: simulated
sensor:
  cooldown: 1500ms
servo:
  speed: 0.7
credits:
  per_envelope: 2
slots:
  - id: 1
    name: "Heart Candy"
    channel: 0
    spin_duration: 2s
  - id: 2
    name: "Chocolate"
    channel: 1
    spin_duration: 1500ms
  - id: 3
    name: "Spare"
    channel: 1
    spin_duration: 1s
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, "simulated", c.Hardware.Driver)
	assert.Equal(t, 1500*time.Millisecond, c.Sensor.Cooldown)
	assert.Equal(t, 0.7, c.Servo.Speed)
	assert.Equal(t, 2, c.Credits.PerEnvelope)
	assert.Equal(t, 1, c.Credits.CostPerDispense)

	require.Len(t, c.Slots, 3)
	assert.Equal(t, "Heart Candy", c.Slots[0].Name)
	assert.Equal(t, 2*time.Second, c.Slots[0].SpinDuration)
	assert.True(t, c.Slots[0].IsEnabled())
	// 禁用的货道可以与启用的货道共用通道
	assert.False(t, c.Slots[2].IsEnabled())
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Server.Host)
	assert.Equal(t, 8000, c.Server.Port)
	assert.Equal(t, "auto", c.Hardware.Driver)
	assert.Equal(t, uint16(0x40), c.Hardware.I2CAddress)
	assert.Equal(t, 16, c.Hardware.Channels)
	assert.Equal(t, 2*time.Second, c.Sensor.Cooldown)
	assert.Equal(t, 0.5, c.Servo.Speed)
	assert.Equal(t, "vending/candy-vending/state", c.MQTT.StateTopic)
	assert.Empty(t, c.Slots)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := Load(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"duplicate id", func(c *Config) { c.Slots[1].ID = 1 }, "duplicate id 1"},
		{"channel clash", func(c *Config) { c.Slots[1].Channel = 0 }, "channel 0 already used"},
		{"channel range", func(c *Config) { c.Slots[0].Channel = 16 }, "out of range"},
		{"zero duration", func(c *Config) { c.Slots[0].SpinDuration = 0 }, "spin_duration must be positive"},
		{"negative cooldown", func(c *Config) { c.Sensor.Cooldown = -time.Second }, "sensor.cooldown"},
		{"speed too high", func(c *Config) { c.Servo.Speed = 1.5 }, "servo.speed"},
		{"speed zero", func(c *Config) { c.Servo.Speed = 0 }, "servo.speed"},
		{"bad driver", func(c *Config) { c.Hardware.Driver = "gpio" }, "hardware.driver"},
		{"zero cost", func(c *Config) { c.Credits.CostPerDispense = 0 }, "cost_per_dispense"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigValidate))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "sensor:\n  cooldown: -1s\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigValidate))
}

func TestShippedConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, c.Server.Port)
	assert.Len(t, c.Slots, 4)
	assert.False(t, c.Slots[3].IsEnabled())
	assert.Equal(t, "vending/candy-vending/state", c.MQTT.StateTopic)
	assert.Equal(t, 2*time.Second, c.Sensor.Cooldown)
}

package config

import (
	"fmt"
	"strings"

	"github.com/wfunc/candy-vending/internal/errors"
)

var validDrivers = map[string]bool{
	"auto":      true,
	"pca9685":   true,
	"serial":    true,
	"simulated": true,
}

// Validate 校验配置，任何一项失败都返回ErrConfigValidate，进程不应启动
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !validDrivers[c.Hardware.Driver] {
		add("hardware.driver: unsupported driver %q", c.Hardware.Driver)
	}
	if c.Hardware.Channels <= 0 {
		add("hardware.channels must be positive, got %d", c.Hardware.Channels)
	}

	if c.Sensor.Cooldown < 0 {
		add("sensor.cooldown must be non-negative, got %s", c.Sensor.Cooldown)
	}
	if c.Sensor.PollInterval <= 0 {
		add("sensor.poll_interval must be positive, got %s", c.Sensor.PollInterval)
	}

	if c.Servo.Speed < -1 || c.Servo.Speed > 1 || c.Servo.Speed == 0 {
		add("servo.speed must be within [-1, 1] and non-zero, got %v", c.Servo.Speed)
	}
	if c.Servo.MinPulseUs <= 0 || c.Servo.MinPulseUs >= c.Servo.NeutralPulseUs || c.Servo.NeutralPulseUs >= c.Servo.MaxPulseUs {
		add("servo pulses must satisfy 0 < min < neutral < max, got %d/%d/%d",
			c.Servo.MinPulseUs, c.Servo.NeutralPulseUs, c.Servo.MaxPulseUs)
	}

	if c.Credits.PerEnvelope < 1 {
		add("credits.per_envelope must be at least 1, got %d", c.Credits.PerEnvelope)
	}
	if c.Credits.CostPerDispense < 1 {
		add("credits.cost_per_dispense must be at least 1, got %d", c.Credits.CostPerDispense)
	}

	if c.WebSocket.SendBuffer < 1 {
		add("websocket.send_buffer must be at least 1, got %d", c.WebSocket.SendBuffer)
	}

	ids := make(map[int]bool, len(c.Slots))
	channels := make(map[int]int, len(c.Slots))
	for i, s := range c.Slots {
		if ids[s.ID] {
			add("slots[%d]: duplicate id %d", i, s.ID)
		}
		ids[s.ID] = true

		if s.SpinDuration <= 0 {
			add("slots[%d]: spin_duration must be positive, got %s", i, s.SpinDuration)
		}
		if s.Channel < 0 || s.Channel >= c.Hardware.Channels {
			add("slots[%d]: channel %d out of range [0, %d)", i, s.Channel, c.Hardware.Channels)
		}
		if !s.IsEnabled() {
			continue
		}
		if other, ok := channels[s.Channel]; ok {
			add("slots[%d]: channel %d already used by enabled slot %d", i, s.Channel, other)
		}
		channels[s.Channel] = s.ID
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfigValidate, strings.Join(problems, "; "))
	}
	return nil
}

package hardware

import (
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

// Open 根据配置选择驱动，启动时调用一次
// auto模式下探测PCA9685，探测失败时退回模拟驱动（开发环境）
func Open(cfg *config.Config, logger *zap.Logger) (Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Hardware.Driver {
	case "simulated":
		logger.Info("使用模拟驱动")
		return NewSimulatedDriver(cfg.Hardware.Channels, logger), nil

	case "pca9685":
		return OpenPCA9685(pca9685Config(cfg), logger)

	case "serial":
		return OpenSerialBridge(SerialBridgeConfig{
			Port:        cfg.Hardware.Serial.Port,
			BaudRate:    cfg.Hardware.Serial.BaudRate,
			ReadTimeout: cfg.Hardware.Serial.ReadTimeout,
			Channels:    cfg.Hardware.Channels,
		}, logger)

	case "auto", "":
		d, err := OpenPCA9685(pca9685Config(cfg), logger)
		if err == nil {
			return d, nil
		}
		logger.Warn("未检测到PCA9685，进入模拟模式", zap.Error(err))
		return NewSimulatedDriver(cfg.Hardware.Channels, logger), nil

	default:
		return nil, errors.Newf(errors.ErrConfigValidate, "unsupported hardware driver %q", cfg.Hardware.Driver)
	}
}

func pca9685Config(cfg *config.Config) PCA9685Config {
	return PCA9685Config{
		I2CBus:         cfg.Hardware.I2CBus,
		Address:        cfg.Hardware.I2CAddress,
		FrequencyHz:    cfg.Hardware.PWMFrequency,
		Channels:       cfg.Hardware.Channels,
		MinPulseUs:     cfg.Servo.MinPulseUs,
		NeutralPulseUs: cfg.Servo.NeutralPulseUs,
		MaxPulseUs:     cfg.Servo.MaxPulseUs,
		SensorPin:      cfg.Sensor.GPIOPin,
		ActiveLow:      cfg.Sensor.ActiveLow,
	}
}

package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/candy-vending/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Servo     ServoConfig     `mapstructure:"servo"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Slots     []SlotConfig    `mapstructure:"slots"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir"` // 前端页面目录，为空则不提供
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"` // 每个观察者的快照队列长度
}

// HardwareConfig 硬件驱动配置
type HardwareConfig struct {
	Driver       string       `mapstructure:"driver"` // auto | pca9685 | serial | simulated
	I2CBus       string       `mapstructure:"i2c_bus"`
	I2CAddress   uint16       `mapstructure:"i2c_address"`
	PWMFrequency int          `mapstructure:"pwm_frequency"` // Hz
	Channels     int          `mapstructure:"channels"`
	Serial       SerialConfig `mapstructure:"serial"`
}

// SerialConfig 串口桥接配置
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// SensorConfig 红外对射传感器配置
type SensorConfig struct {
	GPIOPin      int           `mapstructure:"gpio_pin"` // BCM编号
	ActiveLow    bool          `mapstructure:"active_low"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ServoConfig 连续旋转舵机配置
type ServoConfig struct {
	Speed          float64 `mapstructure:"speed"` // -1.0 ~ 1.0
	MinPulseUs     int     `mapstructure:"min_pulse_us"`
	MaxPulseUs     int     `mapstructure:"max_pulse_us"`
	NeutralPulseUs int     `mapstructure:"neutral_pulse_us"`
}

// CreditsConfig 积分配置
type CreditsConfig struct {
	PerEnvelope     int `mapstructure:"per_envelope"`
	CostPerDispense int `mapstructure:"cost_per_dispense"`
}

// SlotConfig 货道配置
type SlotConfig struct {
	ID           int           `mapstructure:"id"`
	Name         string        `mapstructure:"name"`
	Channel      int           `mapstructure:"channel"`
	SpinDuration time.Duration `mapstructure:"spin_duration"`
	Enabled      *bool         `mapstructure:"enabled"` // 缺省为启用
}

// IsEnabled 货道是否启用
func (s SlotConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DatabaseConfig 出货流水数据库配置
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	StateTopic     string        `mapstructure:"state_topic"`
}

// NATSConfig NATS配置
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Subject       string        `mapstructure:"subject"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置（只加载一次，加载后校验）
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()
		cfg, err = load(v, configPath)
	})
	return err
}

// Load 从指定文件加载并校验配置，不影响全局实例
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("VENDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "读取配置文件失败")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "解析配置失败")
	}

	c.MQTT.StateTopic = strings.ReplaceAll(c.MQTT.StateTopic, "{client_id}", c.MQTT.ClientID)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.static_dir", "./frontend")

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.send_buffer", 16)

	v.SetDefault("hardware.driver", "auto")
	v.SetDefault("hardware.i2c_bus", "")
	v.SetDefault("hardware.i2c_address", 0x40)
	v.SetDefault("hardware.pwm_frequency", 50)
	v.SetDefault("hardware.channels", 16)
	v.SetDefault("hardware.serial.port", "/dev/ttyUSB0")
	v.SetDefault("hardware.serial.baud_rate", 115200)
	v.SetDefault("hardware.serial.read_timeout", "500ms")

	v.SetDefault("sensor.gpio_pin", 17)
	v.SetDefault("sensor.active_low", true)
	v.SetDefault("sensor.cooldown", "2s")
	v.SetDefault("sensor.poll_interval", "10ms")

	v.SetDefault("servo.speed", 0.5)
	v.SetDefault("servo.min_pulse_us", 1000)
	v.SetDefault("servo.max_pulse_us", 2000)
	v.SetDefault("servo.neutral_pulse_us", 1500)

	v.SetDefault("credits.per_envelope", 1)
	v.SetDefault("credits.cost_per_dispense", 1)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/vending.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.queue_size", 256)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "candy-vending")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retained", true)
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "5s")
	v.SetDefault("mqtt.state_topic", "vending/{client_id}/state")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "candy-vending")
	v.SetDefault("nats.subject", "vending.state")
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "vending.log")
	v.SetDefault("log.file.max_size", 20)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.metrics_path", "/metrics")
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
// 运行期间配置只读，变更在重启后生效，这里只负责通知
func Watch(callback func(e fsnotify.Event)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if callback != nil {
			callback(e)
		}
	})
	v.WatchConfig()
}

// ConfigFile 当前使用的配置文件
func ConfigFile() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// StationConfig 单个工位的硬件地址
type StationConfig struct {
	ID       int    `mapstructure:"id"`        // 工位编号 1..12
	PSUAddr  string `mapstructure:"psu_addr"`  // 可编程电源 SCPI 地址 (host:port)
	LoadAddr string `mapstructure:"load_addr"` // 电子负载 SCPI 地址 (host:port)
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr       string          `mapstructure:"listen_addr"`        // HTTP 服务监听地址
	JournalPath      string          `mapstructure:"journal_path"`       // 作业日志文件路径
	DockAddr         string          `mapstructure:"dock_addr"`          // 底座 I2C 网关地址，空串使用模拟后端
	PollIntervalMs   int             `mapstructure:"poll_interval_ms"`   // 底座轮询间隔
	ScpiTimeoutMs    int             `mapstructure:"scpi_timeout_ms"`    // 仪器命令超时
	ManualTimeoutMin int             `mapstructure:"manual_timeout_min"` // 等待技师录入的超时
	Stations         []StationConfig `mapstructure:"stations"`           // 工位清单
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	// 设置默认值
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("journal_path", "jobs.journal")
	viper.SetDefault("poll_interval_ms", 2000)
	viper.SetDefault("scpi_timeout_ms", 3000)
	viper.SetDefault("manual_timeout_min", 1440)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate 检查工位编号不重复且在量程内
func validate(cfg *Config) error {
	seen := make(map[int]bool)
	for _, s := range cfg.Stations {
		if s.ID < 1 || s.ID > 12 {
			return fmt.Errorf("工位编号 %d 超出范围 1..12", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("工位编号 %d 重复", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

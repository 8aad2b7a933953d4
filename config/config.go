package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Image      ImageConfig      `yaml:"image"`
	Replace    ReplaceConfig    `yaml:"replace"`
	Chart      ChartConfig      `yaml:"chart"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Data       DataConfig       `yaml:"data"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql
	DSN  string `yaml:"dsn"`
}

type LLMConfig struct {
	APIURL    string `yaml:"api_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type ImageConfig struct {
	Model string `yaml:"model"`
	Size  string `yaml:"size"`
}

// ReplaceConfig 替换编排相关配置
type ReplaceConfig struct {
	BatchSize       int           `yaml:"batch_size"`        // 每批发送给模型的段数
	MaxAttempts     int           `yaml:"max_attempts"`      // 429/402 重试次数上限
	BackoffBase     time.Duration `yaml:"backoff_base"`      // 指数退避基数
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"` // 批次间隔，降低限流概率
	PreparerName    string        `yaml:"preparer_name"`     // 统一替换后的制作人姓名
}

// ChartConfig 图表重绘相关配置
type ChartConfig struct {
	HeaderZone int `yaml:"header_zone"` // 文档头部区域字符数，区域内图片视为页眉素材
}

type MarketDataConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		cfg = loadConfig()
	})
	return cfg
}

func loadConfig() *Config {
	// .env 可选，不存在时静默忽略
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/app.db",
		},
		LLM: LLMConfig{
			APIURL:    "https://api.openai.com/v1",
			Model:     "gpt-4o",
			MaxTokens: 8192,
		},
		Image: ImageConfig{
			Model: "gpt-image-1",
			Size:  "1024x1024",
		},
		Replace: ReplaceConfig{
			BatchSize:       50,
			MaxAttempts:     5,
			BackoffBase:     2 * time.Second,
			InterBatchDelay: time.Second,
			PreparerName:    "Alex Morgan",
		},
		Chart: ChartConfig{
			HeaderZone: 3000,
		},
		MarketData: MarketDataConfig{
			Timeout: 10 * time.Second,
		},
		Data: DataConfig{
			Dir: "./data",
		},
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err == nil {
		yaml.Unmarshal(data, config)
	}

	// 环境变量优先级高于配置文件
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.LLM.APIURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL_NAME"); model != "" {
		config.LLM.Model = model
	}
	if model := os.Getenv("OPENAI_IMAGE_MODEL"); model != "" {
		config.Image.Model = model
	}

	// 数据库环境变量
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		config.Database.DSN = dbDSN
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		config.Data.Dir = dataDir
	}
	if mdURL := os.Getenv("MARKET_DATA_URL"); mdURL != "" {
		config.MarketData.URL = mdURL
	}
	if preparer := os.Getenv("PREPARER_NAME"); preparer != "" {
		config.Replace.PreparerName = preparer
	}
	if batch := os.Getenv("REPLACE_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			config.Replace.BatchSize = n
		}
	}

	return config
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func UpdateConfig(newCfg *Config) {
	cfg = newCfg
}

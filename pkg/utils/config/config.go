package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"gopkg.in/yaml.v2"
)

var (
	APPNAME    string = "vchannel"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// 通道相关的取值范围
const (
	MinChunkLength = 64
	MaxChunkLength = 16 * 1024
)

type Config struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`
	ChunkLength    int    `yaml:"chunk_length"`    // 静态通道分片大小
	QueueDepth     int    `yaml:"queue_depth"`     // 每个通道工作协程的消息队列长度
	RingBufferSize int    `yaml:"ring_buffer_size"` // 传输层接收缓冲初始大小
	MaxMessageSize int    `yaml:"max_message_size"` // 单条重组消息上限
	Metrics        struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`
	Logger struct {
		Dir      string `yaml:"dir"`
		Level    string `yaml:"level"`
		Rotate   bool   `yaml:"rotate"`
		RotateBy string `yaml:"rotate_by"` // time 或 size
	} `yaml:"logger"`
}

// Default 返回默认配置
func Default() *Config {
	conf := &Config{
		Listen:         "127.0.0.1:3390",
		MaxConnections: 16,
		ChunkLength:    1600,
		QueueDepth:     64,
		RingBufferSize: 8192,
		MaxMessageSize: 32 * 1024 * 1024,
	}
	conf.Metrics.Listen = "127.0.0.1:9390"
	conf.Logger.Level = "info"
	conf.Logger.RotateBy = "time"
	return conf
}

// Usage 设置命令行帮助信息（由各个命令在flag.Parse之前调用）
func Usage() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
		flag.PrintDefaults()
	}
}

// Load 从指定文件加载配置，未设置的字段使用默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Parse 查找可执行文件同目录或/etc下的配置文件，并应用日志设置
func Parse() *Config {
	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}

	conf, err := Load(cfile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			panic(err)
		}
		conf = Default()
	}

	if conf.Logger.Rotate && len(conf.Logger.Dir) == 0 {
		conf.Logger.Dir = filepath.Dir(ex)
	}
	conf.ApplyLogger()
	return conf
}

// ApplyLogger 根据配置替换全局日志输出并设置级别
func (c *Config) ApplyLogger() {
	defer log.Sync()
	if c.Logger.Rotate {
		file := filepath.Join(c.Logger.Dir, APPNAME+".log")
		out := log.NewProductionRotateByTime(file)
		if c.Logger.RotateBy == "size" {
			out = log.NewProductionRotateBySize(file)
		}
		log.ReplaceDefault(log.New(out, log.InfoLevel))
	}
	log.SetLevel(ParseLevel(c.Logger.Level))
}

// ParseLevel 将配置中的级别字符串转换为日志级别
func ParseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.ChunkLength < MinChunkLength || c.ChunkLength > MaxChunkLength {
		return fmt.Errorf("chunk_length %d out of range [%d, %d]", c.ChunkLength, MinChunkLength, MaxChunkLength)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("ring_buffer_size must be positive, got %d", c.RingBufferSize)
	}
	if c.MaxMessageSize < c.ChunkLength {
		return fmt.Errorf("max_message_size %d smaller than chunk_length %d", c.MaxMessageSize, c.ChunkLength)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/menta2k/backdrop/pkg/directive"
	"github.com/menta2k/backdrop/pkg/jobs"
	"github.com/menta2k/backdrop/pkg/matting"
	"github.com/menta2k/backdrop/pkg/painter"
	"github.com/menta2k/backdrop/pkg/pipeline"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/store"
	"github.com/menta2k/backdrop/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Log         LogConfig                `mapstructure:"log"`
	Concurrency int                      `mapstructure:"concurrency"`
	Pipeline    pipeline.Config          `mapstructure:"pipeline"`
	Profiles    ProfileConfig            `mapstructure:"profiles"`
	Painter     painter.Config           `mapstructure:"painter"`
	Matting     matting.Config           `mapstructure:"matting"`
	Directive   directive.Config         `mapstructure:"directive"`
	Ollama      directive.OllamaConfig   `mapstructure:"ollama"`
	LlamaCpp    directive.LlamaCppConfig `mapstructure:"llamacpp"`
	Store       store.Config             `mapstructure:"store"`
	Redis       jobs.RedisConfig         `mapstructure:"redis"`
	Jobs        jobs.ManagerConfig       `mapstructure:"jobs"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxUpload    int64         `mapstructure:"max_upload"`
}

// LogConfig selects the logger flavor
type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// ProfileConfig overrides the variant strengths. Zero keeps the built-in value.
type ProfileConfig struct {
	MediumStrength      float64 `mapstructure:"medium_strength"`
	AggressiveStrength  float64 `mapstructure:"aggressive_strength"`
	AggressiveEditErode int     `mapstructure:"aggressive_edit_erode"`
}

// envBindings maps config keys to the environment names operators already use
var envBindings = map[string]string{
	"pipeline.engine":                "AB_IMAGES_ENGINE",
	"pipeline.mask.dilate_radius":    "AB_MASK_PROTECT_DILATE_PX",
	"pipeline.gate.max_drift":        "AB_MAX_BBOX_RATIO_DELTA",
	"pipeline.gate.erode_timing":     "AB_EDIT_ERODE_TIMING",
	"pipeline.detail.enabled":        "AB_DETAIL_TRANSFER",
	"pipeline.detail.alpha":          "AB_DETAIL_TRANSFER_ALPHA",
	"pipeline.detail.blur_radius":    "AB_DETAIL_TRANSFER_BLUR_RADIUS",
	"pipeline.page":                  "AB_PAGE_LAYOUT",
	"profiles.aggressive_edit_erode": "AB_V2_AGGRESSIVE_EDIT_ERODE_PX",
	"concurrency":                    "AB_IMAGES_CONCURRENCY",
	"painter.edit_url":               "PAINTER_EDIT_URL",
	"painter.token":                  "PAINTER_TOKEN",
	"painter.model":                  "PAINTER_MODEL",
	"painter.retry_attempts":         "PAINTER_RETRY_ATTEMPTS",
	"matting.base_url":               "MATTING_BASE_URL",
	"ollama.url":                     "OLLAMA_URL",
	"ollama.model":                   "OLLAMA_MODEL",
	"llamacpp.url":                   "LLAMACPP_URL",
	"llamacpp.model":                 "LLAMACPP_MODEL",
	"directive.classifier":           "CLASSIFIER_BACKEND",
	"redis.addr":                     "REDIS_ADDR",
	"redis.password":                 "REDIS_PASSWORD",
	"store.root":                     "AB_ASSETS_ROOT",
	"log.level":                      "LOG_LEVEL",
	"log.mode":                       "LOG_MODE",
	"server.port":                    "PORT",
}

// Load reads configuration from an optional YAML file, then the environment.
// An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	v.SetEnvPrefix("BACKDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading anything
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxUpload:    64 << 20,
		},
		Log:         LogConfig{Mode: "debug", Level: "info"},
		Concurrency: 2,
		Pipeline:    pipeline.DefaultConfig(),
		Profiles:    ProfileConfig{AggressiveEditErode: 6},
		Painter:     painter.DefaultConfig(),
		Matting:     matting.DefaultConfig(),
		Directive:   directive.DefaultConfig(),
		Ollama:      directive.OllamaConfig{Model: "qwen2.5vl:7b", MaxDim: 768},
		LlamaCpp:    directive.LlamaCppConfig{Model: "openbmb/minicpm-v4.5", MaxDim: 768},
		Store:       store.DefaultConfig(),
		Redis:       jobs.RedisConfig{TTL: 24 * time.Hour, Prefix: "backdrop:job:"},
		Jobs:        jobs.DefaultManagerConfig(),
	}
	cfg.Normalize()
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_upload", d.Server.MaxUpload)

	v.SetDefault("log.mode", d.Log.Mode)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("concurrency", d.Concurrency)

	p := d.Pipeline
	v.SetDefault("pipeline.engine", string(p.Engine))
	v.SetDefault("pipeline.fallback", p.Fallback)
	v.SetDefault("pipeline.workers", p.Workers)
	v.SetDefault("pipeline.page", p.Page)
	v.SetDefault("pipeline.format", p.Format)

	v.SetDefault("pipeline.mask.core_threshold", p.Mask.CoreThreshold)
	v.SetDefault("pipeline.mask.protect_threshold", p.Mask.ProtectThreshold)
	v.SetDefault("pipeline.mask.protect_offset", p.Mask.ProtectOffset)
	v.SetDefault("pipeline.mask.min_protect_threshold", p.Mask.MinProtectThreshold)
	v.SetDefault("pipeline.mask.open_radius", p.Mask.OpenRadius)
	v.SetDefault("pipeline.mask.erode_radius", p.Mask.ErodeRadius)
	v.SetDefault("pipeline.mask.dilate_radius", p.Mask.DilateRadius)

	v.SetDefault("pipeline.gate.max_drift", p.Gate.MaxDrift)
	v.SetDefault("pipeline.gate.epsilon", p.Gate.Epsilon)
	v.SetDefault("pipeline.gate.strength_step", p.Gate.StrengthStep)
	v.SetDefault("pipeline.gate.min_strength", p.Gate.MinStrength)
	v.SetDefault("pipeline.gate.max_attempts", p.Gate.MaxAttempts)
	v.SetDefault("pipeline.gate.erode_timing", string(p.Gate.ErodeTiming))

	v.SetDefault("pipeline.detail.enabled", p.Detail.Enabled)
	v.SetDefault("pipeline.detail.alpha", p.Detail.Alpha)
	v.SetDefault("pipeline.detail.blur_radius", p.Detail.BlurRadius)
	v.SetDefault("pipeline.detail.threshold", p.Detail.Threshold)
	v.SetDefault("pipeline.detail.inner_erode", p.Detail.InnerErode)

	v.SetDefault("pipeline.realism.enabled", p.Realism.Enabled)
	v.SetDefault("pipeline.realism.jpeg_quality", p.Realism.JPEGQuality)
	v.SetDefault("pipeline.realism.vignette", p.Realism.Vignette)
	v.SetDefault("pipeline.realism.chroma_noise", p.Realism.ChromaNoise)
	v.SetDefault("pipeline.realism.shadow_boost", p.Realism.ShadowBoost)
	v.SetDefault("pipeline.realism.max_rotate_deg", p.Realism.MaxRotateDeg)
	v.SetDefault("pipeline.realism.background_blur", p.Realism.BackgroundBlur)

	v.SetDefault("pipeline.analyzer.min_image_size", p.Analyzer.MinImageSize)
	v.SetDefault("pipeline.analyzer.max_image_size", p.Analyzer.MaxImageSize)
	v.SetDefault("pipeline.analyzer.subject_threshold", p.Analyzer.SubjectThreshold)

	v.SetDefault("pipeline.composite.feather", p.Composite.Feather)
	v.SetDefault("pipeline.composite.shadow_band", p.Composite.ShadowBand)
	v.SetDefault("pipeline.composite.shadow_blur", p.Composite.ShadowBlur)
	v.SetDefault("pipeline.composite.shadow_opacity", p.Composite.ShadowOpacity)
	v.SetDefault("pipeline.composite.shadow_offset", p.Composite.ShadowOffset)
	v.SetDefault("pipeline.composite.min_subject_pixels", p.Composite.MinSubjectPixels)

	v.SetDefault("profiles.medium_strength", d.Profiles.MediumStrength)
	v.SetDefault("profiles.aggressive_strength", d.Profiles.AggressiveStrength)
	v.SetDefault("profiles.aggressive_edit_erode", d.Profiles.AggressiveEditErode)

	v.SetDefault("painter.edit_url", d.Painter.EditURL)
	v.SetDefault("painter.token", d.Painter.Token)
	v.SetDefault("painter.model", d.Painter.Model)
	v.SetDefault("painter.retry_attempts", d.Painter.RetryAttempts)
	v.SetDefault("painter.timeout", d.Painter.Timeout)
	v.SetDefault("painter.output_format", d.Painter.OutputFormat)

	v.SetDefault("matting.base_url", d.Matting.BaseURL)
	v.SetDefault("matting.timeout", d.Matting.Timeout)

	v.SetDefault("directive.scenes_per_run", d.Directive.ScenesPerRun)
	v.SetDefault("directive.classify_timeout", d.Directive.ClassifyTimeout)
	v.SetDefault("directive.classifier", d.Directive.Classifier)

	v.SetDefault("ollama.url", d.Ollama.URL)
	v.SetDefault("ollama.model", d.Ollama.Model)
	v.SetDefault("ollama.max_dim", d.Ollama.MaxDim)

	v.SetDefault("llamacpp.url", d.LlamaCpp.URL)
	v.SetDefault("llamacpp.model", d.LlamaCpp.Model)
	v.SetDefault("llamacpp.max_dim", d.LlamaCpp.MaxDim)

	v.SetDefault("store.root", d.Store.Root)
	v.SetDefault("store.url_prefix", d.Store.URLPrefix)
	v.SetDefault("store.format", d.Store.Format)
	v.SetDefault("store.quality", d.Store.Quality)
	v.SetDefault("store.lossless", d.Store.Lossless)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("jobs.image_workers", d.Jobs.ImageWorkers)
	v.SetDefault("jobs.job_timeout", d.Jobs.JobTimeout)
	v.SetDefault("jobs.max_images", d.Jobs.MaxImages)
}

// Normalize clamps knobs to their supported ranges and builds the variant
// profiles
func (c *Config) Normalize() {
	if p := strings.TrimSpace(c.Server.Port); p != "" && !strings.Contains(p, ":") {
		c.Server.Port = ":" + p
	}
	c.Pipeline.Engine = types.EngineKind(strings.ToLower(strings.TrimSpace(string(c.Pipeline.Engine))))
	c.Directive.Classifier = strings.ToLower(strings.TrimSpace(c.Directive.Classifier))
	c.Pipeline.Mask.DilateRadius = processing.ClampInt(c.Pipeline.Mask.DilateRadius, 0, 64)
	c.Pipeline.Gate.MaxDrift = processing.Clamp(c.Pipeline.Gate.MaxDrift, 0, 0.5)
	c.Pipeline.Detail = c.Pipeline.Detail.Normalize()
	c.Concurrency = processing.ClampInt(c.Concurrency, 1, 8)
	c.Profiles.AggressiveEditErode = processing.ClampInt(c.Profiles.AggressiveEditErode, 0, 64)

	variants := pipeline.MaskProfiles(c.Profiles.AggressiveEditErode)
	if s := c.Profiles.MediumStrength; s > 0 {
		p := variants[types.Medium]
		p.Strength = s
		variants[types.Medium] = p
	}
	if s := c.Profiles.AggressiveStrength; s > 0 {
		p := variants[types.Aggressive]
		p.Strength = s
		variants[types.Aggressive] = p
	}
	c.Pipeline.Variants = variants
	if c.Pipeline.LegacyVariants == nil {
		c.Pipeline.LegacyVariants = pipeline.LegacyProfiles()
	}
	if c.Pipeline.Format == "" {
		c.Pipeline.Format = c.Store.Format
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Painter.RetryAttempts < 0 {
		return fmt.Errorf("%w: painter retry attempts must be non-negative", types.ErrConfiguration)
	}
	switch c.Directive.Classifier {
	case "", "none", "ollama", "llamacpp":
	default:
		return fmt.Errorf("%w: unknown classifier backend %q", types.ErrConfiguration, c.Directive.Classifier)
	}
	switch strings.ToLower(c.Store.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("%w: unsupported store format %q", types.ErrConfiguration, c.Store.Format)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// PipelineConfig carries the per-run knobs the orchestrator recognizes.
type PipelineConfig struct {
	Backend              string `mapstructure:"backend"` // auto|accelerated|remote|reference
	EnableDiarization    bool   `mapstructure:"enable_diarization"`
	ExpectedSpeakerCount int    `mapstructure:"expected_speaker_count"`
	LanguageHint         string `mapstructure:"language_hint"`
	TrimSilence          bool   `mapstructure:"trim_silence"`
	NormalizeLoudness    bool   `mapstructure:"normalize_loudness"`
	TargetSampleRate     int    `mapstructure:"target_sample_rate"`
}

// CredentialsConfig is only ever populated from the environment; these are
// the pipeline's sole environment dependencies.
type CredentialsConfig struct {
	RemoteAPIKey     string `mapstructure:"remote_api_key"`
	DiarizationToken string `mapstructure:"diarization_token"`
	ModelCacheDir    string `mapstructure:"model_cache_dir"`
}

type Settings struct {
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	ScratchDir  string            `mapstructure:"scratch_dir"`
	LogFile     string            `mapstructure:"log_file"`
	Env         string            `mapstructure:"env"`
	Debug       bool              `mapstructure:"debug"`
}

func Load() (*Settings, error) {
	viper.SetConfigName("config_" + genEnv())
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SCRIBEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// credentials come from the environment, never the config file
	_ = viper.BindEnv("credentials.remote_api_key", "SCRIBEFLOW_REMOTE_API_KEY", "OPENAI_API_KEY")
	_ = viper.BindEnv("credentials.diarization_token", "SCRIBEFLOW_DIARIZATION_TOKEN", "HF_TOKEN")
	_ = viper.BindEnv("credentials.model_cache_dir", "SCRIBEFLOW_MODEL_CACHE_DIR")

	viper.SetDefault("pipeline.backend", "auto")
	viper.SetDefault("pipeline.enable_diarization", true)
	viper.SetDefault("pipeline.expected_speaker_count", 2)
	viper.SetDefault("pipeline.trim_silence", false)
	viper.SetDefault("pipeline.normalize_loudness", false)
	viper.SetDefault("pipeline.target_sample_rate", 16000)

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env + defaults are enough to run
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &settings, nil
}

func genEnv() string {
	env := viper.GetString("ENV")
	if env == "" {
		return "dev"
	}
	return env
}

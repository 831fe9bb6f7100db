package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

const (
	EnvPrefix  = "LOKUTOR_CALL"
	configName = "lokutor-call"
)

type AudioSettings struct {
	// Backend is "malgo" or "pulse".
	Backend          string `mapstructure:"backend"`
	Device           string `mapstructure:"device"`
	EchoCancellation bool   `mapstructure:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression"`
	AutoGain         bool   `mapstructure:"auto_gain"`
}

type VADSettings struct {
	SilenceThreshold int           `mapstructure:"silence_threshold"`
	SpeechMargin     int           `mapstructure:"speech_margin"`
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
}

type STTSettings struct {
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMSettings struct {
	// Backend is "lmstudio" or "ollama".
	Backend      string        `mapstructure:"backend"`
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	MaxContext   int           `mapstructure:"max_context_messages"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type TTSSettings struct {
	// Backend is "csm", "stream" or "espeak". Rich backends fall back to espeak.
	Backend      string        `mapstructure:"backend"`
	URL          string        `mapstructure:"url"`
	StreamURL    string        `mapstructure:"stream_url"`
	SampleRate   int           `mapstructure:"sample_rate"`
	EspeakBinary string        `mapstructure:"espeak_binary"`
	Speed        float64       `mapstructure:"speed"`
	Pitch        float64       `mapstructure:"pitch"`
	Volume       float64       `mapstructure:"volume"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ServerSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Settings struct {
	Debug        bool           `mapstructure:"debug"`
	LogFile      string         `mapstructure:"log_file"`
	Language     string         `mapstructure:"language"`
	ErrorDisplay time.Duration  `mapstructure:"error_display"`
	Audio        AudioSettings  `mapstructure:"audio"`
	VAD          VADSettings    `mapstructure:"vad"`
	STT          STTSettings    `mapstructure:"stt"`
	LLM          LLMSettings    `mapstructure:"llm"`
	TTS          TTSSettings    `mapstructure:"tts"`
	Server       ServerSettings `mapstructure:"server"`
}

// Warning is a non-fatal configuration problem that was corrected.
type Warning struct {
	Message string
}

// Loaded captures the resolved config file, parsed values and warnings.
type Loaded struct {
	Path     string
	Settings Settings
	Warnings []Warning
	Exists   bool
}

func setDefaults(v *viper.Viper) {
	d := orchestrator.DefaultConfig()

	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")
	v.SetDefault("language", string(d.Language))
	v.SetDefault("error_display", d.ErrorDisplay)

	v.SetDefault("audio.backend", "malgo")
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.echo_cancellation", d.Capture.EchoCancellation)
	v.SetDefault("audio.noise_suppression", d.Capture.NoiseSuppression)
	v.SetDefault("audio.auto_gain", d.Capture.AutoGain)

	v.SetDefault("vad.silence_threshold", d.SilenceThreshold)
	v.SetDefault("vad.speech_margin", d.SpeechMargin)
	v.SetDefault("vad.silence_timeout", d.SilenceTimeout)
	v.SetDefault("vad.sample_interval", d.SampleInterval)
	v.SetDefault("vad.settle_delay", d.SettleDelay)

	v.SetDefault("stt.url", "http://localhost:9000")
	v.SetDefault("stt.model", "whisper-1")
	v.SetDefault("stt.api_key", "")
	v.SetDefault("stt.timeout", d.TranscribeTimeout)

	v.SetDefault("llm.backend", "lmstudio")
	v.SetDefault("llm.url", "http://localhost:1234")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "local-model")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 150)
	v.SetDefault("llm.max_context_messages", d.MaxContextMessages)
	v.SetDefault("llm.system_prompt", d.SystemPrompt)
	v.SetDefault("llm.timeout", d.GenerateTimeout)

	v.SetDefault("tts.backend", "csm")
	v.SetDefault("tts.url", "http://localhost:8000")
	v.SetDefault("tts.stream_url", "ws://localhost:8000/ws")
	v.SetDefault("tts.sample_rate", 24000)
	v.SetDefault("tts.espeak_binary", "espeak-ng")
	v.SetDefault("tts.speed", d.Voice.Speed)
	v.SetDefault("tts.pitch", d.Voice.Pitch)
	v.SetDefault("tts.volume", d.Voice.Volume)
	v.SetDefault("tts.timeout", d.SynthesizeTimeout)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// LoadDotEnv copies .env entries into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads defaults, then the config file, then LOKUTOR_CALL_* environment
// variables (LOKUTOR_CALL_LLM_MODEL overrides llm.model). With an empty
// explicitPath, lokutor-call.yaml is looked up in the working directory and
// $HOME/.config/lokutor-call; its absence is not an error.
func Load(explicitPath string) (Loaded, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := Loaded{Path: explicitPath}
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/lokutor-call")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !errors.As(err, &notFound) {
			return Loaded{}, fmt.Errorf("failed to read config: %w", err)
		}
		loaded.Warnings = append(loaded.Warnings, Warning{Message: "no lokutor-call.yaml found; using defaults and environment"})
	} else {
		loaded.Exists = true
		loaded.Path = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&loaded.Settings); err != nil {
		return Loaded{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	warnings, err := loaded.Settings.Validate()
	if err != nil {
		return Loaded{}, err
	}
	loaded.Warnings = append(loaded.Warnings, warnings...)
	return loaded, nil
}

// Validate rejects unusable settings and clamps out-of-range voice and
// detection values in place, reporting each correction as a warning.
func (s *Settings) Validate() ([]Warning, error) {
	var warnings []Warning

	s.Language = strings.ToLower(strings.TrimSpace(s.Language))
	if s.Language == "" {
		return nil, fmt.Errorf("language must not be empty")
	}

	s.Audio.Backend = strings.ToLower(strings.TrimSpace(s.Audio.Backend))
	if s.Audio.Backend != "malgo" && s.Audio.Backend != "pulse" {
		return nil, fmt.Errorf("audio.backend must be one of: malgo, pulse")
	}
	s.LLM.Backend = strings.ToLower(strings.TrimSpace(s.LLM.Backend))
	if s.LLM.Backend != "lmstudio" && s.LLM.Backend != "ollama" {
		return nil, fmt.Errorf("llm.backend must be one of: lmstudio, ollama")
	}
	s.TTS.Backend = strings.ToLower(strings.TrimSpace(s.TTS.Backend))
	switch s.TTS.Backend {
	case "csm", "stream", "espeak":
	default:
		return nil, fmt.Errorf("tts.backend must be one of: csm, stream, espeak")
	}

	if strings.TrimSpace(s.STT.URL) == "" {
		return nil, fmt.Errorf("stt.url must not be empty")
	}
	if strings.TrimSpace(s.LLM.URL) == "" {
		return nil, fmt.Errorf("llm.url must not be empty")
	}
	if s.TTS.Backend == "csm" && strings.TrimSpace(s.TTS.URL) == "" {
		return nil, fmt.Errorf("tts.url must not be empty when tts.backend=csm")
	}
	if s.TTS.Backend == "stream" && strings.TrimSpace(s.TTS.StreamURL) == "" {
		return nil, fmt.Errorf("tts.stream_url must not be empty when tts.backend=stream")
	}

	if s.VAD.SilenceThreshold < 0 || s.VAD.SilenceThreshold > 255 {
		return nil, fmt.Errorf("vad.silence_threshold must be within 0-255")
	}
	if s.VAD.SpeechMargin < 0 {
		return nil, fmt.Errorf("vad.speech_margin must be >= 0")
	}
	if s.VAD.SampleInterval <= 0 {
		return nil, fmt.Errorf("vad.sample_interval must be > 0")
	}
	if s.VAD.SilenceTimeout < s.VAD.SampleInterval {
		return nil, fmt.Errorf("vad.silence_timeout must be >= vad.sample_interval")
	}
	if s.VAD.SettleDelay < 0 {
		return nil, fmt.Errorf("vad.settle_delay must be >= 0")
	}
	if s.ErrorDisplay < 0 {
		return nil, fmt.Errorf("error_display must be >= 0")
	}
	if s.LLM.MaxContext < 0 {
		return nil, fmt.Errorf("llm.max_context_messages must be >= 0")
	}

	voice := orchestrator.VoiceSettings{Speed: s.TTS.Speed, Pitch: s.TTS.Pitch, Volume: s.TTS.Volume}
	clamped := voice.Clamp()
	if clamped != voice {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(
			"tts voice clamped to speed=%.2f pitch=%.2f volume=%.2f", clamped.Speed, clamped.Pitch, clamped.Volume)})
		s.TTS.Speed, s.TTS.Pitch, s.TTS.Volume = clamped.Speed, clamped.Pitch, clamped.Volume
	}

	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		t := clampFloat(s.LLM.Temperature, 0, 2)
		warnings = append(warnings, Warning{Message: fmt.Sprintf("llm.temperature %.2f out of range; using %.2f", s.LLM.Temperature, t)})
		s.LLM.Temperature = t
	}
	if s.LLM.MaxTokens <= 0 {
		warnings = append(warnings, Warning{Message: "llm.max_tokens must be > 0; using 150"})
		s.LLM.MaxTokens = 150
	}
	if s.TTS.SampleRate <= 0 {
		warnings = append(warnings, Warning{Message: "tts.sample_rate must be > 0; using 24000"})
		s.TTS.SampleRate = 24000
	}

	return warnings, nil
}

// Orchestrator converts the call-facing settings.
func (s Settings) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.SilenceThreshold = s.VAD.SilenceThreshold
	cfg.SpeechMargin = s.VAD.SpeechMargin
	cfg.SilenceTimeout = s.VAD.SilenceTimeout
	cfg.SampleInterval = s.VAD.SampleInterval
	cfg.SettleDelay = s.VAD.SettleDelay
	cfg.ErrorDisplay = s.ErrorDisplay
	cfg.MaxContextMessages = s.LLM.MaxContext
	cfg.SystemPrompt = s.LLM.SystemPrompt
	cfg.Language = orchestrator.Language(s.Language)
	cfg.Voice = orchestrator.VoiceSettings{Speed: s.TTS.Speed, Pitch: s.TTS.Pitch, Volume: s.TTS.Volume}
	cfg.Capture = audio.CaptureOptions{
		EchoCancellation: s.Audio.EchoCancellation,
		NoiseSuppression: s.Audio.NoiseSuppression,
		AutoGain:         s.Audio.AutoGain,
		Device:           s.Audio.Device,
	}
	cfg.TranscribeTimeout = s.STT.Timeout
	cfg.GenerateTimeout = s.LLM.Timeout
	cfg.SynthesizeTimeout = s.TTS.Timeout
	return cfg
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

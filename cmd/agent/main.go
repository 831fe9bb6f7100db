package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-call/internal/config"
	"github.com/lokutor-ai/lokutor-call/internal/logging"
	"github.com/lokutor-ai/lokutor-call/internal/server"
	"github.com/lokutor-ai/lokutor-call/pkg/audio"
	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-call/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-call/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-call/pkg/providers/tts"
)

type generator interface {
	orchestrator.Generator
	server.ModelLister
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run returns the process exit code so deferred cleanup always happens first.
func run(args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to lokutor-call.yaml")
	check := flags.Bool("check", false, "check generator and synthesis backends, then exit")
	serve := flags.Bool("serve", false, "serve the control API (same as server.enabled)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Note: %v", err)
	}
	loaded, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Error: %v", err)
		return 1
	}
	settings := loaded.Settings

	logger, err := logging.Build(settings.Debug, settings.LogFile)
	if err != nil {
		log.Printf("Error: building logger: %v", err)
		return 1
	}
	defer logger.Close()
	for _, w := range loaded.Warnings {
		logger.Warn("config warning", "message", w.Message, "path", loaded.Path)
	}

	llm, err := buildGenerator(settings.LLM)
	if err != nil {
		logger.Error("generator setup failed", "backend", settings.LLM.Backend, "error", err)
		return 1
	}
	stt := sttProvider.NewWhisperSTT(settings.STT.URL, settings.STT.Model, settings.STT.APIKey)
	tts, closeTTS := buildSynthesizer(settings.TTS, logger)
	defer closeTTS()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *check {
		return runCheck(ctx, stdout, llm, tts, logger)
	}

	orch, err := orchestrator.NewCallOrchestrator(orchestrator.Services{
		Microphone:  buildMicrophone(settings.Audio),
		Transcriber: stt,
		Generator:   llm,
		Synthesizer: tts,
		Player:      audio.NewMalgoPlayer(),
	}, settings.Orchestrator(), logger)
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		return 1
	}
	defer orch.Close()

	fmt.Fprintf(stdout, "Configured: STT=%s | LLM=%s (%s) | TTS=%s\n", stt.Name(), llm.Name(), settings.LLM.Model, tts.Name())
	fmt.Fprintf(stdout, "Silence: threshold %d, %s | Language: %s\n", settings.VAD.SilenceThreshold, settings.VAD.SilenceTimeout, settings.Language)

	if *serve || settings.Server.Enabled {
		srv := server.New(orch, llm, logger)
		l, err := net.Listen("tcp", settings.Server.Addr)
		if err != nil {
			logger.Error("control api listen failed", "addr", settings.Server.Addr, "error", err)
			return 1
		}
		go func() {
			if err := srv.Serve(l); err != nil {
				logger.Error("control api stopped", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		fmt.Fprintf(stdout, "Control API on http://%s\n", l.Addr())
	}

	go printEvents(orch)
	go readKeys(ctx, orch, stop)

	fmt.Fprintln(stdout, "Keys: [c] call  [m] mute  [e] end  [q] quit  (then Enter)")
	<-ctx.Done()
	fmt.Fprintf(stdout, "\nShutting down...\n")
	return 0
}

func buildGenerator(s config.LLMSettings) (generator, error) {
	opts := llmProvider.Options{
		BaseURL:     s.URL,
		APIKey:      s.APIKey,
		Model:       s.Model,
		Temperature: &s.Temperature,
		MaxTokens:   s.MaxTokens,
	}
	if s.Backend == "ollama" {
		return llmProvider.NewOllama(opts, nil)
	}
	return llmProvider.NewOpenAICompatible(opts), nil
}

// buildSynthesizer puts the configured backend in front of espeak so a call
// always has a voice.
func buildSynthesizer(s config.TTSSettings, logger orchestrator.Logger) (orchestrator.Synthesizer, func()) {
	espeak := ttsProvider.NewEspeakSynthesizer(s.EspeakBinary)
	switch s.Backend {
	case "csm":
		return orchestrator.NewFallbackSynthesizer(ttsProvider.NewCSMSynthesizer(s.URL), espeak, logger), func() {}
	case "stream":
		stream := ttsProvider.NewStreamSynthesizer(s.StreamURL, s.SampleRate)
		return orchestrator.NewFallbackSynthesizer(stream, espeak, logger), func() { _ = stream.Close() }
	}
	return espeak, func() {}
}

func buildMicrophone(s config.AudioSettings) orchestrator.Microphone {
	if s.Backend == "pulse" {
		return audio.NewPulseMicrophone("lokutor-call")
	}
	return audio.NewMalgoMicrophone()
}

func runCheck(ctx context.Context, out io.Writer, llm generator, tts orchestrator.Synthesizer, logger orchestrator.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status := 0
	models, err := llm.Models(ctx)
	if err != nil {
		fmt.Fprintf(out, "LLM  %-18s FAIL %v\n", llm.Name(), err)
		logger.Error("backend check failed", "backend", llm.Name(), "error", err)
		status = 1
	} else {
		fmt.Fprintf(out, "LLM  %-18s OK   models: %s\n", llm.Name(), strings.Join(models, ", "))
	}

	switch t := tts.(type) {
	case *orchestrator.FallbackSynthesizer:
		if t.Probe(ctx) {
			fmt.Fprintf(out, "TTS  %-18s OK\n", t.Name())
		} else {
			fmt.Fprintf(out, "TTS  %-18s DEGRADED (using fallback)\n", t.Name())
		}
	case orchestrator.HealthChecker:
		if err := t.Health(ctx); err != nil {
			fmt.Fprintf(out, "TTS  %-18s FAIL %v\n", tts.Name(), err)
			logger.Error("backend check failed", "backend", tts.Name(), "error", err)
			status = 1
		} else {
			fmt.Fprintf(out, "TTS  %-18s OK\n", tts.Name())
		}
	}
	return status
}

func printEvents(orch *orchestrator.CallOrchestrator) {
	events, _ := orch.Subscribe(256)
	for ev := range events {
		switch ev.Type {
		case orchestrator.StateChanged:
			fmt.Printf("\r\033[K[CALL] %s\n", ev.State)
		case orchestrator.MuteChanged:
			fmt.Printf("\r\033[K[MUTE] %v\n", ev.Muted)
		case orchestrator.LevelChanged:
			dots := ev.Level / 4
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC: %-40s] %3d", strings.Repeat("|", dots), ev.Level)
		case orchestrator.TranscriptText:
			fmt.Printf("\r\033[K[YOU] %s\n", ev.Text)
		case orchestrator.BotResponse:
			fmt.Printf("\r\033[K[BOT] %s\n", ev.Text)
		case orchestrator.ErrorEvent:
			fmt.Printf("\r\033[K[ERROR] %s\n", ev.Error)
		}
	}
}

func readKeys(ctx context.Context, orch *orchestrator.CallOrchestrator, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "c":
			if err := orch.StartCall(ctx); err != nil {
				fmt.Printf("\r\033[K[ERROR] %v\n", err)
			}
		case "m":
			orch.ToggleMute()
		case "e":
			orch.EndCall()
		case "q":
			quit()
			return
		}
	}
}

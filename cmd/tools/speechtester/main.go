package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/config"
	speechmodel "github.com/zhouzirui/autoform/client/internal/model/speech"
	"github.com/zhouzirui/autoform/client/internal/service/audio"
	"github.com/zhouzirui/autoform/client/internal/service/speech"
	"github.com/zhouzirui/autoform/client/internal/voice/transcript"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, TimeFormat: time.StampMicro})

	if err := godotenv.Load(); err != nil {
		logger.Warn("could not load .env, using process environment", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "err", err)
	}
	logger.SetLevel(cfg.LogLevel)

	mode := flag.String("mode", "", "test mode: asr or tts")
	audioPath := flag.String("audio", "", "ASR input: 16 kHz 16-bit mono PCM or WAV file")
	language := flag.String("lang", "", "ASR language, defaults to SPEECH_ASR_LANGUAGE")
	text := flag.String("text", "", "TTS input text")
	outputPath := flag.String("out", "", "TTS output file (default tts-output-<unix>.wav)")
	timeout := flag.Duration("timeout", 45*time.Second, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		if !cfg.Speech.Enabled {
			logger.Fatal("speech recognition is not configured, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
		}
		recCfg := cfg.Speech.Recognizer
		if *language != "" {
			recCfg.Language = *language
		}
		runASR(ctx, logger, recCfg, *audioPath)
	case "tts":
		runTTS(ctx, logger, backend.NewClient(cfg.Backend.URL, nil, logger), *text, *outputPath)
	default:
		flag.Usage()
		logger.Fatal("choose a mode with -mode=asr or -mode=tts")
	}
}

func runASR(ctx context.Context, logger *log.Logger, recCfg speechmodel.RecognizerConfig, audioPath string) {
	if audioPath == "" {
		logger.Fatal("asr mode needs -audio")
	}

	rec, err := speech.NewRecognizer(recCfg, audio.FileSource{Path: audioPath}, logger)
	if err != nil {
		logger.Fatal("create recognizer", "err", err)
	}

	logger.Info("streaming file", "path", audioPath, "language", recCfg.Language)
	stream, err := rec.Start(ctx)
	if err != nil {
		logger.Fatal("start recognition", "err", err)
	}
	defer stream.Close()

	var acc transcript.Accumulator
	for {
		select {
		case <-ctx.Done():
			logger.Fatal("timed out", "partial", acc.Current())
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					logger.Fatal("recognition failed", "err", err)
				}
				fmt.Println(acc.Current())
				return
			}
			if chunk.Final {
				acc.Append(chunk.Text)
				logger.Info("final", "text", chunk.Text, "start_ms", chunk.StartTime, "end_ms", chunk.EndTime)
			} else {
				logger.Debug("interim", "text", chunk.Text)
			}
		}
	}
}

func runTTS(ctx context.Context, logger *log.Logger, client *backend.Client, text, outputPath string) {
	if strings.TrimSpace(text) == "" {
		logger.Fatal("tts mode needs -text")
	}

	clip, err := client.TextToSpeech(ctx, text)
	if err != nil {
		logger.Fatal("synthesis failed", "err", err)
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), clip.Format)
	}
	if err := os.WriteFile(outputPath, clip.Data, 0o644); err != nil {
		logger.Fatal("write audio", "err", err)
	}
	logger.Info("synthesized", "out", outputPath, "bytes", len(clip.Data))
}

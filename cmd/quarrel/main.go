package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/quarrel-decode/internal/arrow_client"
	"github.com/23skdu/quarrel-decode/internal/config"
	"github.com/23skdu/quarrel-decode/internal/engine"
	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/monitoring"
	"github.com/23skdu/quarrel-decode/internal/tokenizer"
)

var (
	modelPath     = flag.String("model", "", "Path to GRMD weight file")
	configPath    = flag.String("config", "", "Path to Hugging Face config.json (default: gemma-2-2b)")
	tokenizerPath = flag.String("tokenizer", "", "Path to GRTK vocabulary file")
	prompt        = flag.String("prompt", "Hello world", "Prompt to generate from")
	numTokens     = flag.Int("n", 20, "Number of tokens to generate")
	temperature   = flag.Float64("temperature", 0, "Sampling temperature (0 = greedy)")
	topK          = flag.Int("top-k", 40, "Top-K sampling")
	topP          = flag.Float64("top-p", 0.95, "Top-P (nucleus) sampling")
	repPenalty    = flag.Float64("rep-penalty", 1.0, "Repetition penalty")
	seed          = flag.Int64("seed", 0, "Sampling seed (0 = time based)")
	metricsAddr   = flag.String("metrics-addr", ":9090", "Address to serve /health and /metrics (empty disables)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat     = flag.String("log-format", "console", "Log format: console or json")
	flightAddr    = flag.String("flight-addr", "", "Store the cache snapshot on this Flight server (host:port)")
	serveFlight   = flag.String("serve-flight", "", "Run a snapshot Flight server on this address")
	activationLog = flag.String("activation-log", "", "Write per-layer activation statistics to this JSON file")
	debugAttn     = flag.Bool("debug-attention", false, "Log per-layer attention output statistics (needs -log-level debug)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hm := monitoring.NewHealthMonitor()
	if *metricsAddr != "" {
		if err := hm.Start(*metricsAddr); err != nil {
			logger.Log.Error("Failed to start health monitor", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hm.Stop(shutdownCtx)
		}()
	}

	if *serveFlight != "" {
		srv := arrow_client.NewSnapshotServer()
		if err := srv.Start(*serveFlight); err != nil {
			logger.Log.Error("Failed to start snapshot server", err)
			os.Exit(1)
		}
		defer srv.Shutdown()
		if *modelPath == "" {
			<-ctx.Done()
			logger.Log.Info("Interrupt received, shutting down")
			return
		}
	}

	if *modelPath == "" || *tokenizerPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -model and -tokenizer are required")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(ctx, hm); err != nil {
		logger.Log.Error("Inference failed", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.LoadHF(*configPath)
}

func run(ctx context.Context, hm *monitoring.HealthMonitor) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.DebugActivations = *activationLog != ""
	cfg.DebugAttention = *debugAttn

	tok, err := tokenizer.Load(*tokenizerPath)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if tok.VocabSize() != cfg.VocabSize {
		logger.Log.Warn("Tokenizer and model vocabularies differ", "tokenizer", tok.VocabSize(), "model", cfg.VocabSize)
	}

	var bar *progressbar.ProgressBar
	e, err := engine.Load(*modelPath, cfg, func(done, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription("Loading weights"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		}
		_ = bar.Set64(done)
	})
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	hm.SetEngineInfo(monitoring.EngineInfo{
		ModelLoaded:   true,
		ModelPath:     *modelPath,
		Architecture:  cfg.GetArchitecture(),
		NumLayers:     cfg.Layers,
		NumHeads:      cfg.Heads,
		NumKVHeads:    cfg.KVHeads,
		ContextLength: cfg.SeqLen,
	})
	e.OnAudit = func(a engine.LogitRangeAuditResult) {
		hm.RecordLogitAudit(a.Max, a.NumNaNs, a.NumInfs)
	}
	e.OnToken = func(id int) {
		os.Stdout.Write(tok.Piece(id))
	}

	inputTokens := tok.Encode(*prompt, true)
	logger.Log.Info("Prompt tokenized", "prompt", *prompt, "tokens", inputTokens)

	s := e.NewSession(kvcache.SessionID(inputTokens))
	defer s.Close()

	start := time.Now()
	result, err := e.Infer(ctx, s, inputTokens, *numTokens, engine.SamplerConfig{
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		RepPenalty:  *repPenalty,
		Seed:        *seed,
	})
	fmt.Println()
	duration := time.Since(start)
	hm.RecordInference(len(result), duration)
	hm.SetSessionPositions(s.Positions())
	if err != nil {
		return err
	}
	logger.Log.Info("Inference complete",
		"generated", len(result),
		"elapsed", duration.String(),
		"tokens_per_sec", fmt.Sprintf("%.2f", float64(len(result))/duration.Seconds()))
	logger.Log.Debug("Decoded text", "text", tok.Decode(result))

	if *activationLog != "" {
		if err := e.ActLogger.SaveToFile(*activationLog); err != nil {
			return err
		}
		logger.Log.Info("Activation log written", "path", *activationLog)
	}

	if *flightAddr != "" {
		return storeSnapshot(ctx, s)
	}
	return nil
}

func storeSnapshot(ctx context.Context, s *kvcache.Session) error {
	host, portStr, err := net.SplitHostPort(*flightAddr)
	if err != nil {
		return fmt.Errorf("invalid flight address %q: %w", *flightAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid flight port %q: %w", portStr, err)
	}
	client, err := arrow_client.NewFlightClient(host, port)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	return client.PutSnapshot(ctx, s)
}

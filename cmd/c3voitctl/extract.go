package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allaspectsdev/c3voit/internal/c3"
	"github.com/allaspectsdev/c3voit/internal/cachestore"
	"github.com/allaspectsdev/c3voit/internal/calibration"
	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/embedding"
	"github.com/allaspectsdev/c3voit/internal/fingerprint"
	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/pipeline"
	"github.com/allaspectsdev/c3voit/internal/singleflight"
	"github.com/allaspectsdev/c3voit/internal/store"
	"github.com/allaspectsdev/c3voit/internal/tokenizer"
	"github.com/allaspectsdev/c3voit/internal/validator"
	"github.com/allaspectsdev/c3voit/internal/vectorindex"
	"github.com/allaspectsdev/c3voit/internal/voit"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// printSink prints to stderr instead of shipping to a collector: useful
// for c3voitctl runs where no OTel backend is configured. Stdout carries
// only the final JSON output.
type printSink struct{}

func (printSink) Emit(_ context.Context, t wire.Telemetry) {
	b, _ := json.MarshalIndent(t, "", "  ")
	fmt.Fprintln(os.Stderr, "telemetry:", string(b))
}

// cmdExtract wires ExtractionPipeline against real SQLite-backed
// cache/index/calibration collaborators and an in-process FixtureTier
// ladder, runs one extraction, and prints the result and certificate as
// JSON. It
// exists as a demo/ops tool, not a server: c3voitctl never listens on a
// socket.
func cmdExtract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	text := fs.String("text", "", "canonical text to extract from")
	fields := fs.String("fields", "name,email", "comma-separated required fields")
	quality := fs.Float64("quality", 0.8, "quality target in [0,1]")
	budget := fs.Float64("budget", 1.0, "budget in effort units")
	configPath := fs.String("config", "", "path to a c3voit.toml config file")
	fs.Parse(args)

	if strings.TrimSpace(*text) == "" {
		fmt.Fprintln(os.Stderr, "error: --text is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(cfg.Server.LogLevel, os.Stderr)

	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "error creating data dir: %v\n", err)
		os.Exit(1)
	}
	db, err := store.Open(filepath.Join(dataDir, "c3voit.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	provider := embedding.NewLocalProvider(256)
	fp := fingerprint.New(provider, clk)

	cacheStore, err := cachestore.New(cachestore.NewSQLiteBackend(db), 10_000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating cache store: %v\n", err)
		os.Exit(1)
	}
	index := vectorindex.New(db)
	calLog := calibration.New(db)

	engine := c3.New(fp, index, cacheStore, calLog, clk, cfg.C3)
	engine.Timeouts = cfg.Timeouts

	tok := tokenizer.New()
	var tiers []voit.Tier
	for _, tc := range cfg.VoIT.Tiers {
		tiers = append(tiers, voit.NewFixtureTier(wire.ModelTierName(tc.Name), "claude-haiku-4-5", tc.PriorQuality, tc.PriorQuality, tok))
	}
	v := validator.New(cfg.Validator)
	controller := voit.New(tiers, voit.FieldwiseEnsembler{}, v, clk, cfg.VoIT)

	p := pipeline.New(engine, controller, v, singleflight.New(), printSink{}, clk, cfg.Pipeline, cfg.C3.CertificateHistory, cfg.VoIT.CacheOnShortfall)

	req := wire.ExtractionRequest{
		CanonicalText:    *text,
		RequiredFields:   strings.Split(*fields, ","),
		QualityTarget:    *quality,
		Budget:           *budget,
		Deadline:         10 * time.Second,
		ReusePolicy:      wire.ReuseAllow,
		ValidatorVersion: cfg.Validator.Version,
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Deadline)
	defer cancel()

	result, cert, err := p.Process(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extraction failed: %v\n", err)
		os.Exit(1)
	}

	out := map[string]interface{}{
		"result":      result,
		"certificate": cert,
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

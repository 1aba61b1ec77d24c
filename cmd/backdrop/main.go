package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/menta2k/backdrop"
	"github.com/menta2k/backdrop/internal/logging"
	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

func main() {
	var in, mattePath, configPath, outDir string
	var variants, engine, page, runID string
	var title, bullets, prompt, preset string
	var index int
	var noFallback bool

	flag.StringVar(&in, "in", "", "input image path, URL or directory of images (jpg/png/webp)")
	flag.StringVar(&mattePath, "matte", "", "optional matte image; fetched from the matting service when empty")
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.StringVar(&outDir, "out", "", "artifact root (overrides store.root)")

	flag.StringVar(&variants, "variants", "medium,aggressive", "comma separated variants")
	flag.StringVar(&engine, "engine", "", "engine override: v2_mask|v1_fullimg_pasteback")
	flag.StringVar(&page, "page", "", "page layout override: portrait|square|story|none")
	flag.StringVar(&runID, "run", "", "run identifier (random when empty)")
	flag.IntVar(&index, "index", 0, "image index within the run")
	flag.BoolVar(&noFallback, "no-fallback", false, "disable the legacy fallback engine")

	flag.StringVar(&title, "title", "", "product title")
	flag.StringVar(&bullets, "bullets", "", "product bullets separated by |")
	flag.StringVar(&prompt, "prompt", "", "explicit style prompt")
	flag.StringVar(&preset, "preset", "ugc", "style preset: ugc|glossy")

	flag.Parse()
	if in == "" {
		log.Fatalf("usage: %s -in input.jpg|URL [-matte matte.png] [-config config.yaml] [-variants medium,aggressive] [-title ...] [-preset ugc|glossy] [-out dir]", filepath.Base(os.Args[0]))
	}

	_ = godotenv.Load()

	cfg, err := backdrop.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if outDir != "" {
		cfg.Store.Root = outDir
	}
	if engine != "" {
		cfg.Pipeline.Engine = types.EngineKind(engine)
	}
	if page != "" {
		cfg.Pipeline.Page = page
	}
	if noFallback {
		cfg.Pipeline.Fallback = false
	}
	cfg.Normalize()

	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := backdrop.New(ctx, cfg, backdrop.Options{Logger: logger})
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}
	defer svc.Close()

	inputs := []string{in}
	if info, err := os.Stat(in); err == nil && info.IsDir() {
		if inputs, err = utils.ListImageFiles(in); err != nil {
			logger.Fatal("Failed to list input directory", zap.Error(err))
		}
		if len(inputs) == 0 {
			logger.Fatal("No images found", zap.String("dir", in))
		}
		if mattePath != "" {
			logger.Warn("Ignoring -matte for a directory input")
			mattePath = ""
		}
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	brief := types.Brief{
		Title:       title,
		Bullets:     splitList(bullets, "|"),
		StylePrompt: prompt,
		StylePreset: types.StylePreset(strings.ToLower(preset)),
	}

	produced := 0
	for i, path := range inputs {
		img, err := processing.LoadImageSmart(ctx, path)
		if err != nil {
			logger.Error("Failed to load input", zap.String("input", path), zap.Error(err))
			continue
		}

		req := types.Request{
			RunID:    runID,
			Index:    index + i,
			Source:   img,
			Variants: parseVariants(variants),
			Brief:    brief,
		}
		if mattePath != "" {
			if req.Matte, err = backdrop.LoadMatte(mattePath); err != nil {
				logger.Fatal("Failed to load matte", zap.Error(err))
			}
		}

		res, manifest, err := svc.Process(ctx, req)
		if res != nil {
			produced += len(res.Artifacts)
			report(logger, svc, res)
		}
		if manifest != "" {
			logger.Info("Wrote manifest", zap.String("ref", manifest))
		}
		if err != nil {
			if types.IsConfiguration(err) || ctx.Err() != nil {
				logger.Fatal("Run failed", zap.Error(err))
			}
			logger.Error("Image failed", zap.String("input", path), zap.Error(err))
		}
	}
	if produced == 0 {
		os.Exit(1)
	}
}

func report(logger *zap.Logger, svc *backdrop.Service, res *types.Result) {
	for _, a := range res.Artifacts {
		fields := []zap.Field{
			zap.Int("index", res.Index),
			zap.String("variant", string(a.Variant)),
			zap.String("engine", string(a.Engine)),
			zap.String("ref", a.Ref),
			zap.Int("attempts", len(a.Attempts)),
			zap.Bool("fallback", a.Fallback),
		}
		if path, err := svc.Artifacts().Open(a.Ref); err == nil {
			if info, err := os.Stat(path); err == nil {
				fields = append(fields, zap.String("size", utils.FormatFileSize(info.Size())))
			}
		}
		logger.Info("Wrote artifact", fields...)
	}
	for _, f := range res.Failures {
		logger.Warn("Variant failed", zap.Int("index", res.Index), zap.String("variant", string(f.Variant)), zap.String("error", f.Error))
	}
	js, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(js))
}

func parseVariants(s string) []types.VariantName {
	var out []types.VariantName
	for _, v := range splitList(s, ",") {
		out = append(out, types.VariantName(strings.ToLower(v)))
	}
	return out
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

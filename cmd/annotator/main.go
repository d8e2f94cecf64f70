package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	imageannotator "github.com/menta2k/image-annotator"
	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/internal/utils"
	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/client"
	"github.com/menta2k/image-annotator/pkg/llamacpp"
	"github.com/menta2k/image-annotator/pkg/ollama"
	"github.com/menta2k/image-annotator/pkg/prelabel"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/project"
	"github.com/menta2k/image-annotator/pkg/vision"
)

const usage = `usage: %s <command> [flags]

commands:
  init      scan an image directory into a project
  export    write a train/val dataset bundle
  prelabel  add model-suggested boxes to images
  preview   render an image with its annotations
  config    show or write the configuration file
`

func main() {
	if len(os.Args) < 2 {
		log.Fatalf(usage, filepath.Base(os.Args[0]))
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "init":
		err = runInit(args)
	case "export":
		err = runExport(args)
	case "prelabel":
		err = runPrelabel(args)
	case "preview":
		err = runPreview(args)
	case "config":
		err = runConfig(args)
	default:
		log.Fatalf(usage, filepath.Base(os.Args[0]))
	}
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file when it exists and falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg := config.Default()
	if utils.FileExists(path) {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "image directory")
	name := fs.String("name", "", "project name (default: directory name)")
	force := fs.Bool("force", false, "rescan even if a project file exists")
	fs.Parse(args)

	if !*force && utils.FileExists(filepath.Join(*dir, project.FileName)) {
		return fmt.Errorf("%s already has a project file (use -force to rescan)", *dir)
	}
	if *name == "" {
		abs, _ := filepath.Abs(*dir)
		*name = filepath.Base(abs)
	}
	p, err := project.Scan(*dir, *name, log.Default())
	if err != nil {
		return err
	}
	if err := p.Save(); err != nil {
		return err
	}
	log.Printf("project %q: %d images", p.Name(), len(p.Entries()))
	log.Printf("wrote %s", filepath.Join(*dir, project.FileName))
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (default: "+config.GetConfigPath()+")")
	dir := fs.String("project", ".", "project directory")
	out := fs.String("out", "", "output directory (default: output.output_dir)")
	format := fs.String("format", "", "label format: bbox|polygon")
	split := fs.Float64("split", -1, "train share in [0,1]")
	imgFmt := fs.String("imgfmt", "", "re-encode images: jpg|png|webp (default: copy as is)")
	quality := fs.Int("quality", 0, "JPEG/WebP quality for re-encoded images (1-100)")
	seed := fs.Int64("seed", 0, "shuffle seed, 0 = random")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *format != "" {
		cfg.Export.Format = *format
	}
	if *split >= 0 {
		cfg.Export.SplitRatio = *split
	}
	if *imgFmt != "" {
		cfg.Export.ImageFormat = *imgFmt
	}
	if *quality > 0 {
		cfg.Export.Quality = *quality
	}
	if *out == "" {
		*out = cfg.Output.OutputDir
	}

	exportCfg := cfg.ExportOptions()
	if *seed != 0 {
		exportCfg.Rand = rand.New(rand.NewSource(*seed))
	}
	a, err := imageannotator.NewWithConfig(*dir, cfg.EditorOptions(), exportCfg, log.Default())
	if err != nil {
		return err
	}
	sum, err := a.Export(context.Background(), *out)
	if err != nil {
		return err
	}
	log.Printf("wrote %s (%d classes: %s) in %s", sum.OutputDir, len(sum.Classes), strings.Join(sum.Classes, ", "), sum.Duration.Round(time.Millisecond))
	return nil
}

func newVisionClient(cfg config.PrelabelConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	case "saliency":
		return vision.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama', 'llamacpp' or 'saliency')", cfg.Backend)
	}
}

func runPrelabel(args []string) error {
	fs := flag.NewFlagSet("prelabel", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (default: "+config.GetConfigPath()+")")
	dir := fs.String("project", ".", "project directory")
	image := fs.String("image", "", "image id (default: every image without annotations)")
	backend := fs.String("backend", "", "backend to use: ollama, llamacpp or saliency (offline)")
	url := fs.String("url", "", "server URL")
	model := fs.String("model", "", "model name")
	minConf := fs.Float64("minconf", -1, "minimum confidence in [0,1]")
	labels := fs.String("labels", "", "comma separated label set")
	test := fs.Bool("test", false, "only check that the model can see the image")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *backend != "" {
		cfg.Prelabel.Backend = *backend
		if *url == "" && *backend == "llamacpp" {
			cfg.Prelabel.URL = "http://localhost:8080"
		}
	}
	if *url != "" {
		cfg.Prelabel.URL = *url
	}
	if *model != "" {
		cfg.Prelabel.Model = *model
	}
	if *minConf >= 0 {
		cfg.Prelabel.MinConfidence = *minConf
	}
	if *labels != "" {
		cfg.Prelabel.Labels = strings.Split(*labels, ",")
	}

	vc, err := newVisionClient(cfg.Prelabel)
	if err != nil {
		return err
	}
	p, err := project.Open(*dir, log.Default())
	if err != nil {
		return err
	}

	var targets []project.ImageEntry
	for _, e := range p.Entries() {
		if (*image == "" && len(e.Annotations) == 0) || e.ID == *image {
			targets = append(targets, e)
		}
	}
	if *image != "" && len(targets) == 0 {
		return fmt.Errorf("%w: %s", project.ErrUnknownImage, *image)
	}

	ids := annotation.NewIDSource()
	s := prelabel.New(vc, cfg.PrelabelOptions(), ids, annotation.NewPalette(cfg.Editor.Palette), log.Default())
	ctx := context.Background()

	for _, e := range targets {
		path := p.ImagePath(e)
		if *test {
			img, err := processing.NewProcessor().LoadImage(path)
			if err != nil {
				return err
			}
			reply, err := s.TestVision(ctx, img)
			if err != nil {
				return err
			}
			log.Printf("%s: %s", e.ID, reply)
			continue
		}

		loaded, err := p.LoadImage(e.ID)
		if err != nil {
			return err
		}
		for _, a := range loaded.Annotations {
			ids.Observe(a.ID)
		}
		suggested, err := s.SuggestFile(ctx, path)
		if err != nil {
			log.Printf("%s: prelabel failed: %v", e.ID, err)
			continue
		}
		if err := p.AppendAnnotations(ctx, e.ID, suggested, "prelabel"); err != nil {
			return err
		}
		log.Printf("%s: %d suggestions", e.ID, len(suggested))
	}
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (default: "+config.GetConfigPath()+")")
	dir := fs.String("project", ".", "project directory")
	image := fs.String("image", "", "image id")
	out := fs.String("out", "", "output file (default: <image>_preview.<ext> in output.output_dir)")
	fs.Parse(args)

	if *image == "" {
		return fmt.Errorf("preview needs -image")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *out == "" {
		stem := strings.TrimSuffix(utils.SanitizeFilename(*image), filepath.Ext(*image))
		*out = filepath.Join(cfg.Output.OutputDir, stem+"_preview."+cfg.Output.PreviewFormat)
	}

	a, err := imageannotator.NewWithConfig(*dir, cfg.EditorOptions(), cfg.ExportOptions(), log.Default())
	if err != nil {
		return err
	}
	if err := a.SavePreview(*image, *out, utils.GetFileExtension(*out)); err != nil {
		return err
	}
	log.Printf("wrote %s", *out)
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	path := fs.String("path", config.GetConfigPath(), "config file")
	write := fs.Bool("init", false, "write the default configuration")
	fs.Parse(args)

	if *write {
		if err := config.Default().SaveToFile(*path); err != nil {
			return err
		}
		log.Printf("wrote %s", *path)
		return nil
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	js, _ := json.MarshalIndent(cfg, "", "  ")
	fmt.Println(string(js))
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/image-annotator/pkg/editor"
	"github.com/menta2k/image-annotator/pkg/export"
	"github.com/menta2k/image-annotator/pkg/history"
	"github.com/menta2k/image-annotator/pkg/prelabel"
)

// Config holds the application configuration
type Config struct {
	Editor   EditorConfig   `json:"editor"`
	Export   ExportConfig   `json:"export"`
	Prelabel PrelabelConfig `json:"prelabel"`
	Output   OutputConfig   `json:"output"`
}

// EditorConfig holds configuration for annotation sessions
type EditorConfig struct {
	DrawThreshold float64  `json:"draw_threshold"`
	HandleRadius  float64  `json:"handle_radius"`
	LabelOffset   float64  `json:"label_offset"`
	HistoryLimit  int      `json:"history_limit"`
	QuickLabel    bool     `json:"quick_label"`
	Palette       []string `json:"palette"`
}

// ExportConfig holds configuration for dataset export
type ExportConfig struct {
	Format      string  `json:"format"`
	SplitRatio  float64 `json:"split_ratio"`
	ImageFormat string  `json:"image_format"`
	Quality     int     `json:"quality"`
}

// PrelabelConfig holds configuration for model-assisted pre-labeling
type PrelabelConfig struct {
	Backend       string   `json:"backend"`
	URL           string   `json:"url"`
	Model         string   `json:"model"`
	SendFormat    string   `json:"send_format"`
	SendSize      int      `json:"send_size"`
	SendQuality   int      `json:"send_quality"`
	MinConfidence float64  `json:"min_confidence"`
	Labels        []string `json:"labels"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	OutputDir     string `json:"output_dir"`
	PreviewFormat string `json:"preview_format"`
}

// Default returns a configuration with default values
func Default() *Config {
	pl := prelabel.DefaultConfig()
	ex := export.DefaultConfig()
	return &Config{
		Editor: EditorConfig{
			DrawThreshold: editor.DefaultDrawThreshold,
			HandleRadius:  editor.DefaultHandleRadius,
			LabelOffset:   editor.DefaultLabelOffset,
			HistoryLimit:  history.DefaultLimit,
		},
		Export: ExportConfig{
			Format:     string(ex.Format),
			SplitRatio: ex.SplitRatio,
			Quality:    ex.Quality,
		},
		Prelabel: PrelabelConfig{
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			Model:         pl.Model,
			SendFormat:    pl.SendFormat,
			SendSize:      pl.MaxDim,
			SendQuality:   pl.Quality,
			MinConfidence: pl.MinConfidence,
		},
		Output: OutputConfig{
			OutputDir:     "./dataset",
			PreviewFormat: "png",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing keys keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Editor.DrawThreshold <= 0 {
		return fmt.Errorf("editor.draw_threshold must be positive")
	}

	if c.Editor.HandleRadius <= 0 {
		return fmt.Errorf("editor.handle_radius must be positive")
	}

	if c.Editor.HistoryLimit < 1 {
		return fmt.Errorf("editor.history_limit must be at least 1")
	}

	if err := c.ExportOptions().Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if c.Export.Quality < 1 || c.Export.Quality > 100 {
		return fmt.Errorf("export.quality must be between 1 and 100")
	}

	switch c.Prelabel.Backend {
	case "ollama", "llamacpp", "saliency":
	default:
		return fmt.Errorf("prelabel.backend must be ollama, llamacpp or saliency")
	}

	if c.Prelabel.MinConfidence < 0 || c.Prelabel.MinConfidence > 1 {
		return fmt.Errorf("prelabel.min_confidence must be between 0 and 1")
	}

	if c.Prelabel.SendQuality < 1 || c.Prelabel.SendQuality > 100 {
		return fmt.Errorf("prelabel.send_quality must be between 1 and 100")
	}

	return nil
}

// EditorOptions maps the editor section onto editor options.
func (c *Config) EditorOptions() editor.Options {
	return editor.Options{
		DrawThreshold: c.Editor.DrawThreshold,
		HandleRadius:  c.Editor.HandleRadius,
		LabelOffset:   c.Editor.LabelOffset,
		HistoryLimit:  c.Editor.HistoryLimit,
		QuickLabel:    c.Editor.QuickLabel,
		Palette:       c.Editor.Palette,
	}
}

// ExportOptions maps the export section onto encoder settings.
func (c *Config) ExportOptions() export.Config {
	return export.Config{
		Format:      export.Format(c.Export.Format),
		SplitRatio:  c.Export.SplitRatio,
		ImageFormat: c.Export.ImageFormat,
		Quality:     c.Export.Quality,
	}
}

// PrelabelOptions maps the prelabel section onto suggester settings.
func (c *Config) PrelabelOptions() prelabel.Config {
	return prelabel.Config{
		Model:         c.Prelabel.Model,
		Prompt:        prelabel.DefaultPrompt,
		SendFormat:    c.Prelabel.SendFormat,
		MaxDim:        c.Prelabel.SendSize,
		Quality:       c.Prelabel.SendQuality,
		MinConfidence: c.Prelabel.MinConfidence,
		Labels:        c.Prelabel.Labels,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-annotator", "config.json")
}

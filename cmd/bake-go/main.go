package main

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"syscall"

	"github.com/mixcast/layerbake/internal"
	"github.com/spf13/pflag"
)

func main() {
	internal.SetupUsage()
	pflag.Parse()

	if err := internal.ParseArgs(); err != nil {
		pflag.Usage()
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}

	internal.SetupLogging(internal.DebugMode)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	vp := internal.NewViewport(internal.OutputW, internal.OutputH)
	comp := internal.NewCompositor(vp)

	for _, path := range internal.ImagePaths {
		img, err := loadRGBA(path)
		if err != nil {
			return fmt.Errorf("failed to load image %s: %w", path, err)
		}
		comp.AddLayer(internal.LayerDescriptor{
			Tag:   path,
			Kind:  internal.KindImage,
			Image: img,
		})
	}

	var source *internal.MKVSource
	if internal.VideoPath != "" {
		var err error
		source, err = internal.OpenMKVSource(internal.VideoPath)
		if err != nil {
			return err
		}
		comp.AddLayer(internal.LayerDescriptor{
			Tag:                   internal.VideoPath,
			Kind:                  internal.KindVideo,
			Source:                source,
			ApplyAspectToViewport: true,
		})
	}

	durationMs := int64(internal.DurationSec * 1000)
	if durationMs <= 0 && source != nil {
		durationMs = source.DurationMs()
	}

	cfg := internal.ExportConfig{
		Width:      internal.OutputW,
		Height:     internal.OutputH,
		FPS:        internal.FPS,
		DurationMs: durationMs,
		OutputPath: internal.OutputPath,
		WhipURL:    internal.WhipURL,
		Progress: func(frac float64, done bool) {
			if done {
				fmt.Fprintf(os.Stderr, "\rBaking: 100%%\n")
				return
			}
			fmt.Fprintf(os.Stderr, "\rBaking: %3.0f%%", frac*100)
		},
	}
	if source != nil && source.HasAudio() {
		cfg.Audio = source
	}

	exporter := internal.NewExporter(comp, vp, cfg)

	// Ctrl+C で中断して書きかけの出力を破棄する
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCancelling export...")
		exporter.Cancel()
	}()

	if err := exporter.Run(); err != nil {
		return err
	}

	if internal.WhipURL == "" {
		fmt.Fprintf(os.Stderr, "Output written: %s\n", internal.OutputPath)
	}
	return nil
}

func loadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(src.Bounds())
	draw.Draw(rgba, rgba.Bounds(), src, src.Bounds().Min, draw.Src)
	return rgba, nil
}

package internal

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

var (
	OutputPath  string
	WhipURL     string
	ImagePaths  []string
	VideoPath   string
	OutputW     int
	OutputH     int
	FPS         int
	DurationSec float64
	DebugMode   bool
)

func init() {
	pflag.StringVarP(&OutputPath, "output", "o", "output.webm", "Output WebM/Matroska file path")
	pflag.StringVar(&WhipURL, "whip", "", "Publish the bake to a WHIP server instead of writing a file")
	pflag.StringArrayVarP(&ImagePaths, "image", "i", nil, "Image layer source (PNG/JPEG), repeatable, back to front")
	pflag.StringVarP(&VideoPath, "video", "m", "", "Video layer source (MKV with uncompressed RGBA video and PCM audio)")
	pflag.IntVar(&OutputW, "width", 1280, "Output width in pixels")
	pflag.IntVar(&OutputH, "height", 720, "Output height in pixels")
	pflag.IntVar(&FPS, "fps", 30, "Output frame rate")
	pflag.Float64Var(&DurationSec, "duration", 0, "Export duration in seconds (0 = video source duration)")
	pflag.BoolVarP(&DebugMode, "debug", "d", false, "Enable debug logging")
}

func SetupUsage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "layerbake - Composite image/video layers and bake them into a WebM file\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i bg.png -m clip.mkv -o out.webm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i bg.png --duration 5 --fps 30 -o out.webm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -m clip.mkv --whip http://example.com/whip\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		pflag.PrintDefaults()
	}
}

// ParseArgs は引数の整合性を検証する
func ParseArgs() error {
	if len(ImagePaths) == 0 && VideoPath == "" {
		return fmt.Errorf("at least one --image or --video source is required")
	}
	if VideoPath == "" && DurationSec <= 0 {
		return fmt.Errorf("--duration is required when no --video source is given")
	}
	if OutputW <= 0 || OutputH <= 0 {
		return fmt.Errorf("invalid output size %dx%d", OutputW, OutputH)
	}
	if FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", FPS)
	}
	return nil
}

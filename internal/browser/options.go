package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/snowmanjy/ai2qa/internal/config"
)

// allocatorFlag is one Chrome command-line switch.
type allocatorFlag struct {
	name  string
	value interface{}
}

// allocatorFlags lists the switches the browser config adds on top of chromedp's defaults.
func allocatorFlags(cfg config.BrowserConfig) []allocatorFlag {
	flags := []allocatorFlag{
		{"no-sandbox", true},
		{"disable-dev-shm-usage", true},
		{"disable-gpu", true},
	}
	if !cfg.Headless {
		flags = append(flags, allocatorFlag{"headless", false})
	}
	if cfg.DisableCache {
		flags = append(flags,
			allocatorFlag{"disk-cache-size", "0"},
			allocatorFlag{"media-cache-size", "0"},
			allocatorFlag{"disable-cache", true},
		)
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags,
			allocatorFlag{"ignore-certificate-errors", true},
			allocatorFlag{"allow-insecure-localhost", true},
		)
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags = append(flags, allocatorFlag{"window-size", fmt.Sprintf("%d,%d", w, h)})
	}

	// Extra flags: "--flag" or "--key=value".
	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if hasValue {
			flags = append(flags, allocatorFlag{key, value})
		} else {
			flags = append(flags, allocatorFlag{key, true})
		}
	}
	return flags
}

// DefaultAllocatorOptions translates the browser config into chromedp allocator options.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(flags))
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}

// viewportString is used in logs.
func viewportString(cfg config.BrowserConfig) string {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 || h <= 0 {
		return "default"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// internal/browser/flags.go
package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// siteIsolationArgs keep cross-origin widget frames in the page's renderer so
// their documents can be queried through the page's DOM.
var siteIsolationArgs = []string{
	"--disable-features=IsolateOrigins,site-per-process",
	"--disable-site-isolation-trials",
}

// Flag is one Chrome command line switch. A false value removes the switch.
type Flag struct {
	Name  string
	Value interface{}
}

// Enabled is false for switches that are removed rather than passed.
func (f Flag) Enabled() bool {
	b, ok := f.Value.(bool)
	return !ok || b
}

// String renders the switch the way it appears on a command line.
func (f Flag) String() string {
	if b, ok := f.Value.(bool); ok {
		if b {
			return "--" + f.Name
		}
		return "--" + f.Name + "=false"
	}
	return fmt.Sprintf("--%s=%v", f.Name, f.Value)
}

// ParseFlag turns "--name=value" or "--name" into a Flag.
func ParseFlag(arg string) Flag {
	parts := strings.SplitN(arg, "=", 2)
	name := strings.TrimLeft(parts[0], "-")
	if len(parts) == 2 {
		return Flag{Name: name, Value: parts[1]}
	}
	return Flag{Name: name, Value: true}
}

// LaunchFlags lists the switches for cfg in application order; later entries
// win over earlier ones with the same name.
func LaunchFlags(cfg config.BrowserConfig) []Flag {
	flags := []Flag{
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"disable-blink-features", "AutomationControlled"},
		{"disable-extensions", true},
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, Flag{"ignore-certificate-errors", true})
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags = append(flags, Flag{"window-size", fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)})
	}
	if cfg.Headless {
		for _, arg := range recaptcha.HeadlessArgs {
			flags = append(flags, ParseFlag(arg))
		}
	}
	if !cfg.KeepSiteIsolation {
		for _, arg := range siteIsolationArgs {
			flags = append(flags, ParseFlag(arg))
		}
	}
	for _, arg := range cfg.Args {
		flags = append(flags, ParseFlag(arg))
	}
	return flags
}

// AllocatorOptions converts cfg into chromedp exec allocator options on top of
// chromedp's defaults.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range LaunchFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// pkg/recaptcha/selectors.go
package recaptcha

// Host-page selectors for the two iframes the widget injects. They are
// exported so integrators can pre-check presence with Exists.
const (
	AnchorFrameSelector    = `iframe[title="reCAPTCHA"]`
	ChallengeFrameSelector = `iframe[src*="recaptcha/api2/bframe"], iframe[src*="recaptcha/enterprise/bframe"]`
)

// Selectors used inside the widget frames.
const (
	CheckboxSelector      = "#recaptcha-anchor"
	AudioButtonSelector   = "#recaptcha-audio-button"
	AudioSourceSelector   = "#audio-source"
	AudioDownloadSelector = ".rc-audiochallenge-tdownload-link"
	ResponseFieldSelector = "#audio-response"
	VerifyButtonSelector  = "#recaptcha-verify-button"
	RejectionSelector     = ".rc-audiochallenge-error-message"
	BlockedSelector       = ".rc-doscaptcha-header"
)

// FrameVariant is one known way the widget can appear in a page.
type FrameVariant struct {
	Name     string
	Selector string
	// Invisible variants are bound to a caller-controlled trigger, so the
	// engine never clicks their checkbox.
	Invisible bool
}

// AnchorVariants are tried in this order; the first structural match wins.
var AnchorVariants = []FrameVariant{
	{Name: "checkbox", Selector: AnchorFrameSelector + `:not([src*="size=invisible"])`},
	{Name: "checkbox-api2", Selector: `iframe[src*="recaptcha/api2/anchor"]:not([src*="size=invisible"])`},
	{Name: "checkbox-enterprise", Selector: `iframe[src*="recaptcha/enterprise/anchor"]:not([src*="size=invisible"])`},
	{Name: "invisible", Selector: `iframe[src*="/anchor"][src*="size=invisible"]`, Invisible: true},
}

// ChallengeVariants locate the challenge overlay frame.
var ChallengeVariants = []FrameVariant{
	{Name: "bframe-api2", Selector: `iframe[src*="recaptcha/api2/bframe"]`},
	{Name: "bframe-enterprise", Selector: `iframe[src*="recaptcha/enterprise/bframe"]`},
}

// HeadlessArgs are browser launch arguments for hosts without an audio
// device. The engine does not interpret them.
var HeadlessArgs = []string{
	"--disable-audio-output",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--mute-audio",
	"--autoplay-policy=no-user-gesture-required",
}

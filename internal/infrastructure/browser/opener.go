package browser

import (
	"io"

	"github.com/pkg/browser"

	"github.com/salesforce-connector/internal/domain"
)

// Opener launches the system browser.
type Opener struct{}

var _ domain.BrowserOpener = Opener{}

// NewOpener returns an Opener. The browser's own output is discarded so it
// does not interleave with the log.
func NewOpener() Opener {
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return Opener{}
}

func (Opener) Open(url string) error {
	return browser.OpenURL(url)
}

// Noop is used on headless hosts; the URL is only logged.
type Noop struct{}

func (Noop) Open(string) error {
	return nil
}

package nats

import "sync"

// ServerChooser selects which configured broker URL the session dials next.
// Cluster discovery is out of scope; the URL list is static configuration.
type ServerChooser interface {
	CurrentURI() string
	ReportFailure(err error)
	ReportSuccess()
	Add(uri string) ServerChooser
}

// DefaultServerChooser cycles through its URLs in round-robin order,
// advancing on every reported failure.
type DefaultServerChooser struct {
	lock      sync.Mutex
	uris      []string
	index     int
	lastError string
}

// NewDefaultServerChooser creates a new chooser with optional URIs.
func NewDefaultServerChooser(uris ...string) *DefaultServerChooser {
	chooser := &DefaultServerChooser{}
	for _, uri := range uris {
		chooser.Add(uri)
	}
	return chooser
}

// CurrentURI returns the currently selected URI.
func (chooser *DefaultServerChooser) CurrentURI() string {
	if chooser == nil {
		return ""
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	if len(chooser.uris) == 0 {
		return ""
	}
	if chooser.index < 0 || chooser.index >= len(chooser.uris) {
		chooser.index = 0
	}
	return chooser.uris[chooser.index]
}

// ReportFailure records the error and advances to the next URI.
func (chooser *DefaultServerChooser) ReportFailure(err error) {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	if err != nil {
		chooser.lastError = err.Error()
	}
	if len(chooser.uris) > 0 {
		chooser.index = (chooser.index + 1) % len(chooser.uris)
	}
}

// ReportSuccess clears the recorded error.
func (chooser *DefaultServerChooser) ReportSuccess() {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	chooser.lastError = ""
	chooser.lock.Unlock()
}

// Error returns the most recent connection error, or an empty string.
func (chooser *DefaultServerChooser) Error() string {
	if chooser == nil {
		return ""
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	return chooser.lastError
}

// Add appends a URI and returns the chooser for chaining. A URI already in
// the rotation is not added again, so repeated Connect calls cannot skew the
// round robin.
func (chooser *DefaultServerChooser) Add(uri string) ServerChooser {
	if chooser == nil || uri == "" {
		return chooser
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	for _, known := range chooser.uris {
		if known == uri {
			return chooser
		}
	}
	chooser.uris = append(chooser.uris, uri)
	return chooser
}

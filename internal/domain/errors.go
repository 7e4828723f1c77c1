package domain

import "fmt"

// HTTPError carries a downstream HTTP status so the retry classifier can
// decide on the status code rather than on string matching.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream status %d", e.Status)
	}
	return fmt.Sprintf("downstream status %d: %s", e.Status, e.Body)
}

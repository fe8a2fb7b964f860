package lib

import "net/http"

// HttpClient is the part of *http.Client the upstream clients need.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

package recogniser

import (
	"context"
	"time"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

// Image is an uploaded picture that has already passed validation.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Source is what the provider should look at: either an uploaded image or a
// publicly reachable URL. Exactly one of the two is set.
type Source struct {
	File *Image
	URL  string
}

func FileSource(img Image) Source {
	return Source{File: &img}
}

func URLSource(url string) Source {
	return Source{URL: url}
}

// Client calls the recognition provider.
type Client interface {
	// Dispatch performs one logical recognition call and returns the
	// provider's envelope and the duration of the attempt that produced it.
	// Errors are *UpstreamError.
	Dispatch(ctx context.Context, requestID string, src Source) (recognition.Envelope, time.Duration, error)
	// Version asks the provider for its API version.
	Version(ctx context.Context) (map[string]interface{}, error)
}

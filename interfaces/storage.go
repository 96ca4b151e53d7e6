package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// EscrowBackend stores recovery copies of issued data volume keys, sealed to
// an operator recovery key, indexed by hostname.
type EscrowBackend interface {
	// Fetch retrieves the sealed copy for a host.
	Fetch(ctx context.Context, hostname string) ([]byte, error)

	// Store saves the sealed copy for a host, replacing any previous one.
	Store(ctx context.Context, hostname string, sealed []byte) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// EscrowLocation represents URI for an escrow backend.
type EscrowLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewEscrowLocation creates a new escrow location from a URI string with validation.
func NewEscrowLocation(uri string) (EscrowLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return EscrowLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault":
	default:
		return EscrowLocation{}, fmt.Errorf("%w: unsupported escrow scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return EscrowLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc EscrowLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc EscrowLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc EscrowLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the escrow backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an escrow backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("escrow backend unavailable")

	// ErrInvalidLocationURI is returned when an escrow location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid escrow location URI")
)

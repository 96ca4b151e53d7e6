package escrow

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/host-provisioner/interfaces"
)

// BackendFactory creates escrow backends from location URIs.
type BackendFactory struct {
	log *slog.Logger
}

func NewBackendFactory(log *slog.Logger) *BackendFactory {
	return &BackendFactory{log: log}
}

// BackendFor creates a backend from a location URI.
//
// Supported schemes:
//   - file:///absolute/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//   - vault://host:port/mount/path?tls=false (token from VAULT_TOKEN)
func (f *BackendFactory) BackendFor(uri string) (interfaces.EscrowBackend, error) {
	loc, err := interfaces.NewEscrowLocation(uri)
	if err != nil {
		return nil, err
	}

	f.log.Debug("Creating escrow backend", slog.String("scheme", loc.Scheme), slog.String("host", loc.Host))
	switch loc.Scheme {
	case "file":
		return f.createFileBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	case "vault":
		return f.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported escrow scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates backends for every URI, skipping the ones that
// fail. It fails only if none could be created.
func (f *BackendFactory) CreateMultiBackend(uris []string) (*MultiBackend, error) {
	backends := make([]interfaces.EscrowBackend, 0, len(uris))
	for _, uri := range uris {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("Failed to create escrow backend", "err", err, slog.String("locationURI", redact(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid escrow backends created")
	}
	return NewMultiBackend(backends, f.log), nil
}

func (f *BackendFactory) createFileBackend(loc interfaces.EscrowLocation) (interfaces.EscrowBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(path, f.log)
}

func (f *BackendFactory) createS3Backend(loc interfaces.EscrowLocation) (interfaces.EscrowBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 URI", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

func (f *BackendFactory) createVaultBackend(loc interfaces.EscrowLocation) (interfaces.EscrowBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing host in vault URI", interfaces.ErrInvalidLocationURI)
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if mount == "" {
		mount = "secret"
	}

	scheme := "https"
	if loc.Query.Has("tls") && !loc.GetParamBool("tls") {
		scheme = "http"
	}

	return NewVaultBackend(scheme+"://"+loc.Host, mount, dataPath, os.Getenv("VAULT_TOKEN"), f.log)
}

// redact hides credentials embedded in a location URI.
func redact(uri string) string {
	loc, err := interfaces.NewEscrowLocation(uri)
	if err != nil || loc.Auth == "" {
		return uri
	}
	return strings.Replace(uri, loc.Auth+"@", "***@", 1)
}

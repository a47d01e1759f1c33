package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultDownloadURL = "https://download.maxmind.com/app/geoip_download"
	countryEdition     = "GeoLite2-Country"
	countryFileName    = countryEdition + ".mmdb"
	userAgent          = "gatekeeper-geolite-updater/1.0"
	downloadTimeout    = 2 * time.Minute
	maxDatabaseSize    = 64 << 20
)

var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// Updater downloads the country database from MaxMind, loads it and
// shares it through the Distribution.
type Updater struct {
	distribution *Distribution
	licenseKey   string
	downloadURL  string
	path         string
	client       *http.Client
	group        singleflight.Group
}

type UpdaterOption func(*Updater)

// WithDownloadURL points the updater at a different archive endpoint.
func WithDownloadURL(raw string) UpdaterOption {
	return func(u *Updater) { u.downloadURL = raw }
}

// WithDatabasePath also writes every downloaded database to path.
func WithDatabasePath(path string) UpdaterOption {
	return func(u *Updater) { u.path = path }
}

func WithHTTPClient(client *http.Client) UpdaterOption {
	return func(u *Updater) { u.client = client }
}

func NewUpdater(distribution *Distribution, licenseKey string, opts ...UpdaterOption) *Updater {
	u := &Updater{
		distribution: distribution,
		licenseKey:   strings.TrimSpace(licenseKey),
		downloadURL:  DefaultDownloadURL,
		client:       &http.Client{Timeout: downloadTimeout},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Update fetches a fresh database. Concurrent calls share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (any, error) {
		return nil, u.update(ctx)
	})
	return err
}

func (u *Updater) update(ctx context.Context) error {
	if u.licenseKey == "" {
		return ErrNoLicenseKey
	}

	data, err := u.download(ctx)
	if err != nil {
		return err
	}
	if err := u.distribution.locator.Load(data); err != nil {
		return err
	}
	if u.path != "" {
		if err := writeToFile(u.path, data); err != nil {
			return fmt.Errorf("geolite: write %s: %w", u.path, err)
		}
	}
	return u.distribution.Publish(ctx, data)
}

func (u *Updater) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildDownloadURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("geolite: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolite: download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("geolite: download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractDatabase(resp.Body)
}

// extractDatabase returns the country mmdb from a MaxMind tar.gz archive.
func extractDatabase(archive io.Reader) ([]byte, error) {
	gzipReader, err := gzip.NewReader(archive)
	if err != nil {
		return nil, fmt.Errorf("geolite: open gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("geolite: read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != countryFileName {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tarReader, maxDatabaseSize+1))
		if err != nil {
			return nil, fmt.Errorf("geolite: read %s: %w", countryFileName, err)
		}
		if len(data) > maxDatabaseSize {
			return nil, fmt.Errorf("geolite: %s exceeds %d bytes", countryFileName, maxDatabaseSize)
		}
		return data, nil
	}

	return nil, fmt.Errorf("geolite: %s not found in archive", countryFileName)
}

func (u *Updater) buildDownloadURL() string {
	query := url.Values{}
	query.Set("edition_id", countryEdition)
	query.Set("license_key", u.licenseKey)
	query.Set("suffix", "tar.gz")
	return u.downloadURL + "?" + query.Encode()
}

func writeToFile(destPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpFile.Name(), destPath)
}

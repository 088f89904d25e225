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
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	asnEditionID       = "GeoLite2-ASN"
	userAgent          = "ipgate-geolite-updater/1.0"
)

var (
	updateGroup singleflight.Group
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
	downloadURL = maxMindDownloadURL
)

var (
	// ErrNoAPIKey indicates that the GeoLite API key has not been configured.
	ErrNoAPIKey = errors.New("geolite: api key is not configured")
)

// UpdateASNDatabase downloads the GeoLite2 ASN edition and atomically replaces
// dest with the extracted mmdb file. Concurrent calls for the same dest share
// one download.
func UpdateASNDatabase(ctx context.Context, apiKey, dest string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrNoAPIKey
	}
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return errors.New("geolite: destination path is empty")
	}

	_, err, _ := updateGroup.Do(dest, func() (interface{}, error) {
		return nil, downloadEdition(ctx, apiKey, asnEditionID, dest)
	})
	return err
}

func downloadEdition(ctx context.Context, apiKey, editionID, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(apiKey, editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", editionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	wanted := editionID + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", editionID, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) != wanted {
			continue
		}

		if err := writeToFile(dest, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", editionID)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}

func buildDownloadURL(apiKey, edition string) string {
	query := url.Values{}
	query.Set("edition_id", edition)
	query.Set("license_key", apiKey)
	query.Set("suffix", "tar.gz")
	return downloadURL + "?" + query.Encode()
}

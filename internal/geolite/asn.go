package geolite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
)

const ASNFileName = "GeoLite2-ASN.mmdb"

var ErrNotLoaded = errors.New("geolite: asn database not loaded")

// ASNReader resolves the autonomous system organization of an address. The
// underlying database can be replaced at runtime with Reload.
type ASNReader struct {
	path string
	db   atomic.Pointer[geoip2.Reader]
}

// NewASNReader returns a reader for path without loading it. Lookups fail
// with ErrNotLoaded until Reload succeeds.
func NewASNReader(path string) *ASNReader {
	return &ASNReader{path: strings.TrimSpace(path)}
}

func OpenASN(path string) (*ASNReader, error) {
	r := NewASNReader(path)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ASNReader) Path() string {
	return r.path
}

// Reload reads the database file again. On failure the previous database
// stays in use.
func (r *ASNReader) Reload() error {
	if r.path == "" {
		return errors.New("geolite: asn database path is empty")
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("geolite: read %s: %w", r.path, err)
	}

	db, err := geoip2.FromBytes(raw)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}

	r.db.Store(db)
	return nil
}

func (r *ASNReader) Loaded() bool {
	return r != nil && r.db.Load() != nil
}

func (r *ASNReader) Organization(ip net.IP) (string, error) {
	if r == nil {
		return "", ErrNotLoaded
	}
	db := r.db.Load()
	if db == nil {
		return "", ErrNotLoaded
	}
	if ip == nil {
		return "", errors.New("geolite: invalid address")
	}

	record, err := db.ASN(ip)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(record.AutonomousSystemOrganization), nil
}

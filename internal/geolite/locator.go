// Package geolite resolves client addresses to ISO country codes using a
// MaxMind GeoLite2 Country database. Countries are diagnostic only; nothing
// in admission blocks on them.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
)

var ErrNoDatabase = errors.New("geolite: no country database loaded")

// Locator wraps a swappable country reader. The zero value resolves nothing.
type Locator struct {
	reader atomic.Pointer[geoip2.Reader]
}

func NewLocator() *Locator {
	return &Locator{}
}

// Open loads the database at path into a new Locator.
func Open(path string) (*Locator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geolite: read %s: %w", path, err)
	}
	l := NewLocator()
	if err := l.Load(data); err != nil {
		return nil, err
	}
	return l, nil
}

// Load replaces the active database with the one encoded in data.
func (l *Locator) Load(data []byte) error {
	if len(data) == 0 {
		return ErrNoDatabase
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: parse database: %w", err)
	}
	if old := l.reader.Swap(reader); old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Locator) Loaded() bool {
	return l != nil && l.reader.Load() != nil
}

// Country returns the ISO code for address, or "" when unknown.
func (l *Locator) Country(address string) string {
	if l == nil {
		return ""
	}
	reader := l.reader.Load()
	if reader == nil {
		return ""
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return ""
	}
	record, err := reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (l *Locator) Close() error {
	if reader := l.reader.Swap(nil); reader != nil {
		return reader.Close()
	}
	return nil
}

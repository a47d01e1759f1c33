package geolite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEmptyLocatorResolvesNothing(t *testing.T) {
	var nilLocator *Locator
	if got := nilLocator.Country("8.8.8.8"); got != "" {
		t.Fatalf("nil locator country = %q", got)
	}

	l := NewLocator()
	if l.Loaded() {
		t.Fatal("new locator reports a database")
	}
	if got := l.Country("8.8.8.8"); got != "" {
		t.Fatalf("empty locator country = %q", got)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	l := NewLocator()
	if err := l.Load(nil); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Load(nil) = %v, want ErrNoDatabase", err)
	}
	if err := l.Load([]byte("not a maxmind database")); err == nil {
		t.Fatal("Load accepted garbage")
	}
	if l.Loaded() {
		t.Fatal("failed load left a reader behind")
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open = %v, want not-exist", err)
	}
}

func TestFetchWithoutPublishedDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewDistribution(client, NewLocator())
	updated, err := d.Fetch(context.Background())
	if err != nil || updated {
		t.Fatalf("Fetch = %v, %v; want false, nil", updated, err)
	}

	if err := d.Publish(context.Background(), nil); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Publish(nil) = %v", err)
	}

	if err := d.Publish(context.Background(), []byte("corrupt")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := d.Fetch(context.Background()); err == nil {
		t.Fatal("Fetch loaded a corrupt database")
	}
}

package geoip

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sqlitefleet/engine/internal/model"
)

type mockReader struct {
	region model.Region
	closed bool
	mu     sync.Mutex
}

func (m *mockReader) Lookup(netip.Addr) model.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.region
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockReader) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestLookup_NilReader(t *testing.T) {
	s := &Service{}
	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got != model.RegionGlobal {
		t.Fatalf("expected RegionGlobal, got %q", got)
	}
}

func TestNewService_NoPathSkipsCron(t *testing.T) {
	s := NewService(ServiceConfig{OpenDB: NoOpOpen})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got != model.RegionGlobal {
		t.Fatalf("expected RegionGlobal with no db path, got %q", got)
	}
}

func TestService_ReloadIfChanged(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "region.mmdb")
	if err := os.WriteFile(dbPath, []byte("placeholder"), 0o600); err != nil {
		t.Fatal(err)
	}

	old := &mockReader{region: model.RegionUSEast}
	replacement := &mockReader{region: model.RegionAsiaPacific}
	opened := false
	s := NewService(ServiceConfig{
		DBPath: dbPath,
		OpenDB: func(string) (GeoReader, error) {
			if !opened {
				opened = true
				return old, nil
			}
			return replacement, nil
		},
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Lookup(netip.Addr{}); got != model.RegionUSEast {
		t.Fatalf("initial lookup = %q, want us-east", got)
	}

	// Touch the file with a newer mtime and force a reload.
	if err := os.WriteFile(dbPath, []byte("placeholder-2"), 0o600); err != nil {
		t.Fatal(err)
	}
	s.modTime = s.modTime.Add(-time.Hour)
	s.reloadIfChanged()

	if got := s.Lookup(netip.Addr{}); got != model.RegionAsiaPacific {
		t.Fatalf("reloaded lookup = %q, want asia-pacific", got)
	}
	if !old.isClosed() {
		t.Fatal("expected old reader to be closed after reload")
	}

	s.Stop()
}

func TestMockReaderIsGeoReader(t *testing.T) {
	var _ GeoReader = &mockReader{}
}

// Package geoip resolves a Node's canonical region tag from its public IP
// using a local MaxMind-format database, with hot-reload support so an
// operator can replace the database file on disk without restarting the
// Node.
package geoip

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/sqlitefleet/engine/internal/model"
)

// GeoReader abstracts the GeoIP database reader so tests can substitute a
// fake without touching the filesystem.
type GeoReader interface {
	Lookup(ip netip.Addr) model.Region
	Close() error
}

// OpenFunc opens a GeoIP database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type noOpReader struct{}

func (noOpReader) Lookup(netip.Addr) model.Region { return model.RegionGlobal }
func (noOpReader) Close() error                   { return nil }

// NoOpOpen is a placeholder OpenFunc for tests and for nodes started without
// a configured database path.
func NoOpOpen(string) (GeoReader, error) { return noOpReader{}, nil }

type mmdbReader struct {
	reader *maxminddb.Reader
}

type mmdbContinentRecord struct {
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
}

// continentRegion maps a MaxMind continent code to the nearer of the
// Engine's region tags. Continents spanning more than one tag fall back to
// the coastal region most bootstrap deployments actually sit in.
var continentRegion = map[string]model.Region{
	"NA": model.RegionUSEast,
	"SA": model.RegionSouthAmerica,
	"EU": model.RegionEUWest,
	"AS": model.RegionAsiaPacific,
	"OC": model.RegionAsiaPacific,
	"AF": model.RegionEUWest,
}

func (m *mmdbReader) Lookup(ip netip.Addr) model.Region {
	if m == nil || m.reader == nil || !ip.IsValid() {
		return model.RegionGlobal
	}
	ip = ip.Unmap()
	var record mmdbContinentRecord
	if err := m.reader.Lookup(net.IP(ip.AsSlice()), &record); err != nil {
		return model.RegionGlobal
	}
	if region, ok := continentRegion[record.Continent.Code]; ok {
		return region
	}
	return model.RegionGlobal
}

func (m *mmdbReader) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}

// MMDBOpen opens a MaxMind-compatible mmdb database, e.g. GeoLite2-Country.
func MMDBOpen(path string) (GeoReader, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{reader: reader}, nil
}

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	DBPath        string   // path to the mmdb file; empty disables lookups
	ReloadSchedule string  // cron expression for re-stat-ing the db file, default every 6h
	OpenDB        OpenFunc // defaults to MMDBOpen
}

// Service provides GeoIP region lookup with hot-reloading on a cron
// schedule: an operator can drop a newer database onto DBPath and the
// Service picks it up without a Node restart.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader

	dbPath  string
	openDB  OpenFunc
	modTime time.Time
	cron    *cron.Cron
}

// NewService creates a Service. Call Start to load the initial database and
// begin the reload schedule.
func NewService(cfg ServiceConfig) *Service {
	if cfg.OpenDB == nil {
		cfg.OpenDB = MMDBOpen
	}
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "@every 6h"
	}
	s := &Service{
		dbPath: cfg.DBPath,
		openDB: cfg.OpenDB,
		cron:   cron.New(),
	}
	if s.dbPath != "" {
		s.cron.AddFunc(cfg.ReloadSchedule, s.reloadIfChanged)
	}
	return s
}

// Start performs the initial load and starts the reload schedule. A missing
// or empty DBPath is not an error: Lookup degrades to RegionGlobal.
func (s *Service) Start() error {
	if s.dbPath == "" {
		return nil
	}
	s.reloadIfChanged()
	s.cron.Start()
	return nil
}

func (s *Service) reloadIfChanged() {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return
	}
	s.mu.RLock()
	unchanged := s.reader != nil && info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return
	}

	reader, err := s.openDB(s.dbPath)
	if err != nil {
		return
	}

	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.modTime = info.ModTime()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Stop stops the reload schedule and closes the reader.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup returns the region tag for ip, or RegionGlobal if no database is
// loaded or the address could not be resolved.
func (s *Service) Lookup(ip netip.Addr) model.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return model.RegionGlobal
	}
	return s.reader.Lookup(ip)
}

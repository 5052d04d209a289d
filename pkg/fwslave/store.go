package fwslave

import (
	"fmt"
	"sync"

	"gopkg.in/ini.v1"
)

// Store persists small values across power cycles. The receiver uses it
// for the verified crc and version of the running image.
type Store interface {
	Get(key string) (uint16, bool)
	Set(key string, value uint16)
	Commit() error
}

const (
	KeyVerifiedCrc     = "verified_crc"
	KeyVerifiedVersion = "verified_version"
)

// MemoryStore is a volatile Store for tests
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]uint16
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]uint16)}
}

func (s *MemoryStore) Get(key string) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

func (s *MemoryStore) Set(key string, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MemoryStore) Commit() error {
	return nil
}

// IniStore persists values to an ini file. Values are buffered and only
// written out on Commit.
type IniStore struct {
	mu      sync.Mutex
	path    string
	file    *ini.File
	section string
}

func NewIniStore(path string) (*IniStore, error) {
	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}
	return &IniStore{path: path, file: file, section: "image"}, nil
}

func (s *IniStore) Get(key string) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.file.Section(s.section).HasKey(key) {
		return 0, false
	}
	value, err := s.file.Section(s.section).Key(key).Uint()
	if err != nil || value > 0xFFFF {
		return 0, false
	}
	return uint16(value), true
}

func (s *IniStore) Set(key string, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Section(s.section).Key(key).SetValue(fmt.Sprintf("%d", value))
}

func (s *IniStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.SaveTo(s.path)
}

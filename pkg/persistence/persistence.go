package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/betbot/p2prelease/pkg/logger"
)

// Service hands out keyed stores.
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store saves and loads one JSON document.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// ErrNotExists is returned by Load when nothing was saved yet.
var ErrNotExists = errors.New("persistence data not exists")

// JSONFileService keeps each store in its own JSON file under baseDir.
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// BaseDir returns the directory the service writes into.
func (s *JSONFileService) BaseDir() string { return s.baseDir }

func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &JSONFileStore{
		service: s,
		key:     fmt.Sprintf("%s:%s:%s", prefix, id, tag),
	}
}

// JSONFileStore writes through a temp file and rename, so readers never see a partial document.
type JSONFileStore struct {
	service *JSONFileService
	key     string
	mu      sync.Mutex
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Path is the file backing the store.
func (s *JSONFileStore) Path() string {
	safe := keySanitizer.ReplaceAllString(s.key, "_")
	return filepath.Join(s.service.baseDir, safe+".json")
}

func (s *JSONFileStore) Save(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.Debugf("[persistence] Save: key=%s", s.key)
	if err := os.MkdirAll(s.service.baseDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	path := s.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONFileStore) Load(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.Debugf("[persistence] Load: key=%s", s.key)
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

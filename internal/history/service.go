package history

import (
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
)

// CapturePath is the URL prefix captured frames are served under
const CapturePath = "/api/captures/"

// IDGenerator generates unique IDs for entries and captures
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service records scan history and captured label frames
type Service struct {
	db          DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		idGenerator: &uuidGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Record saves a successful result. Results without a product are skipped.
// It has the shape of the scan machine's history callback, so failures are
// logged rather than returned.
func (s *Service) Record(result analysis.Result) {
	if result.Method == analysis.MethodNone {
		return
	}
	entry := newEntry(s.idGenerator.Generate(), result, s.timeSource.Now())
	if err := s.db.SaveEntry(entry); err != nil {
		slog.Error("Failed to save history entry", "product", result.ProductName, "error", err)
		return
	}
	slog.Info("History entry saved", "id", entry.ID, "product", entry.Name, "method", entry.Method)
}

// List returns recent entries, newest first
func (s *Service) List(limit int) ([]*Entry, error) {
	entries, err := s.db.ListEntries(limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// Delete removes an entry along with the frame it was read from, if any
func (s *Service) Delete(id string) error {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteEntry(id); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if name, ok := strings.CutPrefix(entry.ImageURL, CapturePath); ok {
		if err := s.storage.Delete(name); err != nil {
			slog.Warn("Failed to delete capture", "id", id, "capture", name, "error", err)
		}
	}
	return nil
}

// SaveFrame stores a captured frame and returns the URL it is served at
func (s *Service) SaveFrame(data []byte, contentType string) (string, error) {
	name := s.idGenerator.Generate() + extensionFor(contentType)
	if err := s.storage.Save(name, data); err != nil {
		return "", fmt.Errorf("saving capture: %w", err)
	}
	return CapturePath + name, nil
}

// Capture returns a stored frame and its content type
func (s *Service) Capture(name string) ([]byte, string, error) {
	data, err := s.storage.Get(name)
	if err != nil {
		return nil, "", err
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

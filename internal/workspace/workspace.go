package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// stampedID matches device ids that already carry a unix timestamp suffix.
var stampedID = regexp.MustCompile(`_\d+$`)

type Manager struct {
	base string
	now  func() time.Time
	log  zerolog.Logger
}

func NewManager(base string, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Manager{
		base: base,
		now:  time.Now,
		log:  log.With().Str("component", "workspace").Logger(),
	}, nil
}

func (m *Manager) Base() string {
	return m.base
}

// Create returns a fresh working directory for one device run.
func (m *Manager) Create(deviceID string) (string, error) {
	name := deviceID
	if !stampedID.MatchString(deviceID) {
		name = fmt.Sprintf("%s_%d", deviceID, m.now().Unix())
	}
	dir := filepath.Join(m.base, filepath.Base(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes workspaces last modified more than maxAge ago.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return 0, fmt.Errorf("read workspace base: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(m.base, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove workspace")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("cleaned up workspaces")
	}
	return removed, nil
}

package roster

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

type fileData struct {
	Participants []Profile `toml:"participant"`
}

// File is a roster kept in a TOML file with one [[participant]] table per
// profile. Binding updates are written back to the same file.
type File struct {
	path   string
	logger *log.Logger

	mu   sync.Mutex
	data fileData
}

// OpenFile loads the roster at path.
func OpenFile(path string, logger *log.Logger) (*File, error) {
	if logger == nil {
		panic("RosterFile: logger cannot be nil")
	}
	f := &File{path: path, logger: logger}
	if _, err := toml.DecodeFile(path, &f.data); err != nil {
		return nil, fmt.Errorf("decode roster %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.data.Participants))
	for _, p := range f.data.Participants {
		if p.ID == "" {
			return nil, fmt.Errorf("roster %s: participant %q has no id", path, p.Name)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("roster %s: duplicate participant id %q", path, p.ID)
		}
		seen[p.ID] = true
	}
	logger.Printf("RosterFile: loaded %d participants from %s", len(f.data.Participants), path)
	return f, nil
}

// Profiles returns a copy of every profile.
func (f *File) Profiles(_ context.Context) ([]Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Profile, len(f.data.Participants))
	copy(out, f.data.Participants)
	return out, nil
}

// UpdateBinding stores the sensor for participantID and rewrites the file.
// The in-memory roster is only changed once the write succeeded.
func (f *File) UpdateBinding(_ context.Context, participantID, sensorID, sensorName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := -1
	for i := range f.data.Participants {
		if f.data.Participants[i].ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}

	next := fileData{Participants: make([]Profile, len(f.data.Participants))}
	copy(next.Participants, f.data.Participants)
	next.Participants[idx].SensorID = sensorID
	next.Participants[idx].SensorName = sensorName

	if err := f.save(next); err != nil {
		return err
	}
	f.data = next
	f.logger.Printf("RosterFile: binding %s -> %q", participantID, sensorID)
	return nil
}

func (f *File) save(data fileData) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".roster-*.toml")
	if err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write roster: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	return nil
}

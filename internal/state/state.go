// Package state tracks completed downloads across runs.
//
// The state file is YAML with a single key:
//
//	downloads:
//	  - [r1, harddisk:/dumps, core.1.gz]
//
// Entries are written sorted and without duplicates.
package state

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/trawl/internal/atomicfile"
)

// DefaultFile is the state path used when none is given.
const DefaultFile = "trawl_state.yml"

// Record identifies one completed download.
type Record struct {
	Device    string
	Directory string
	Filename  string
}

func (r Record) less(o Record) bool {
	if r.Device != o.Device {
		return r.Device < o.Device
	}
	if r.Directory != o.Directory {
		return r.Directory < o.Directory
	}
	return r.Filename < o.Filename
}

// State is the set of completed downloads. It is safe for concurrent use.
type State struct {
	mu      sync.Mutex
	records map[Record]struct{}
}

// New returns an empty state holding records.
func New(records ...Record) *State {
	s := &State{records: make(map[Record]struct{}, len(records))}
	for _, r := range records {
		s.records[r] = struct{}{}
	}
	return s
}

// ShouldFetch reports whether r has not been downloaded yet.
func (s *State) ShouldFetch(r Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, done := s.records[r]
	return !done
}

// MarkFetched records a verified download.
func (s *State) MarkFetched(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r] = struct{}{}
}

// Len returns the number of records.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns all records in sorted order.
func (s *State) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// file is the on-disk layout.
type file struct {
	Downloads [][]string `yaml:"downloads"`
}

// Unmarshal decodes a state document.
func Unmarshal(data []byte) (*State, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "invalid state format")
	}

	s := New()
	for i, entry := range f.Downloads {
		if len(entry) != 3 {
			return nil, errors.Errorf("downloads[%d]: expected [device, directory, filename], got %d elements", i, len(entry))
		}
		s.records[Record{Device: entry[0], Directory: entry[1], Filename: entry[2]}] = struct{}{}
	}
	return s, nil
}

// Marshal encodes the state with records in sorted order.
func (s *State) Marshal() ([]byte, error) {
	recs := s.Records()
	f := file{Downloads: make([][]string, len(recs))}
	for i, r := range recs {
		f.Downloads[i] = []string{r.Device, r.Directory, r.Filename}
	}
	return yaml.Marshal(&f)
}

// Load reads the state file at path. A missing file yields an empty state
// with a nil error; an unreadable or corrupt file yields an empty state and
// the error describing why it was ignored.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return New(), errors.Wrapf(err, "read state file %s", path)
	}

	s, err := Unmarshal(data)
	if err != nil {
		return New(), errors.Wrapf(err, "state file %s", path)
	}
	return s, nil
}

// Save writes the state to path atomically.
func (s *State) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "save state file %s", path)
	}
	return nil
}

// Package packager owns the per-run working directory and turns it into the
// final zip archive.
package packager

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/eugenetaranov/trawl/internal/atomicfile"
	"github.com/eugenetaranov/trawl/internal/output"
	"github.com/eugenetaranov/trawl/internal/state"
)

// DefaultArchiveName returns the archive name used when none is given.
func DefaultArchiveName(now time.Time) string {
	return "data_" + now.Format("20060102_150405") + ".zip"
}

// CheckArchivePath fails if path already exists.
func CheckArchivePath(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("archive %s already exists", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "check archive %s", path)
	}
	return nil
}

// Workspace is the temporary directory collecting one run's output.
type Workspace struct {
	Dir string

	mu sync.Mutex
	// claimed maps each handed out local path to its remote directory.
	claimed map[string]string
}

// NewWorkspace creates a fresh working directory under parent, or under the
// system temporary directory when parent is empty.
func NewWorkspace(parent string) (*Workspace, error) {
	dir, err := os.MkdirTemp(parent, "trawl-")
	if err != nil {
		return nil, errors.Wrap(err, "create working directory")
	}
	return &Workspace{Dir: dir}, nil
}

// FilePath returns where a file fetched from directory on device is stored.
// Only the base name of filename is used. The first file of a name lands in
// <device>/<name>; the same name from another directory goes to
// <device>/<directory element>/<name> so no fetched file replaces another.
func (w *Workspace) FilePath(device, directory, filename string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.claimed == nil {
		w.claimed = make(map[string]string)
	}

	name := filepath.Base(filename)
	candidates := []string{
		filepath.Join(w.Dir, device, name),
		filepath.Join(w.Dir, device, dirElement(directory), name),
	}
	for i := 0; ; i++ {
		var p string
		if i < len(candidates) {
			p = candidates[i]
		} else {
			p = filepath.Join(w.Dir, device, dirElement(directory)+"_"+strconv.Itoa(i), name)
		}
		if owner, ok := w.claimed[p]; !ok || owner == directory {
			w.claimed[p] = directory
			return p
		}
	}
}

// dirElement maps a remote directory such as "harddisk:/dumps" or "/var/log"
// to a single path element.
func dirElement(dir string) string {
	el := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, dir)
	el = strings.Trim(el, "_")
	if el == "" || el == "." || el == ".." {
		return "_"
	}
	return el
}

// Remove deletes the working directory and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// Packager persists the end-of-run outputs.
type Packager struct {
	Workspace   *Workspace
	StatePath   string
	ArchivePath string

	// Keep retains the working directory after a successful archive.
	Keep bool

	Log zerolog.Logger
}

// Finish writes the transcript into the workspace, saves the download state,
// archives the workspace and removes it unless Keep is set. The workspace is
// always kept when an error is returned.
func (p *Packager) Finish(transcript io.WriterTo, st *state.State) error {
	if err := p.writeTranscript(transcript); err != nil {
		p.Log.Error().Str("workdir", p.Workspace.Dir).Msg("Kept working directory")
		return err
	}

	saveErr := st.Save(p.StatePath)
	if saveErr != nil {
		p.Log.Error().Err(saveErr).Msg("Failed saving download state")
	} else {
		p.Log.Info().Str("path", p.StatePath).Int("records", st.Len()).Msg("Saved download state")
	}

	if err := Archive(p.Workspace.Dir, p.ArchivePath); err != nil {
		p.Log.Error().Err(err).Str("workdir", p.Workspace.Dir).Msg("Failed writing archive, kept working directory")
		return err
	}
	p.Log.Info().Str("path", p.ArchivePath).Msg("Saved archive")

	if saveErr != nil {
		p.Log.Warn().Str("workdir", p.Workspace.Dir).Msg("Kept working directory")
		return saveErr
	}

	if p.Keep {
		p.Log.Info().Str("workdir", p.Workspace.Dir).Msg("Kept working directory")
		return nil
	}
	if err := p.Workspace.Remove(); err != nil {
		p.Log.Warn().Err(err).Str("workdir", p.Workspace.Dir).Msg("Failed removing working directory")
	}
	return nil
}

func (p *Packager) writeTranscript(transcript io.WriterTo) error {
	path := filepath.Join(p.Workspace.Dir, output.TranscriptFile)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create transcript")
	}
	_, err = transcript.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "write transcript")
}

// Archive zips every regular file under dir into dest. Entry names are
// slash-separated paths relative to dir, in lexical order. dest is replaced
// atomically.
func Archive(dir, dest string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "scan %s", dir)
	}

	err = atomicfile.Write(dest, 0o644, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, path := range files {
			if err := addFile(zw, dir, path); err != nil {
				_ = zw.Close()
				return err
			}
		}
		return errors.Wrap(zw.Close(), "finish archive")
	})
	return errors.Wrapf(err, "write archive %s", dest)
}

func addFile(zw *zip.Writer, dir, path string) error {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrapf(err, "header for %s", path)
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrapf(err, "add %s", hdr.Name)
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return errors.Wrapf(err, "compress %s", hdr.Name)
}

package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
	"github.com/google/renameio"
)

// FileSystem implements the simple file system based store.
// The keys are used as file names, spread over two levels of subdirectories
// taken from the first four characters of the key. This means keys should
// not contain a forward slash character '/'.
//
// Values are written to a temporary file and renamed into place when the
// writer is closed, so a crash never leaves a partially written value under
// its key.
type FileSystem struct {
	root string
}

var (
	// make sure it implements the Store interface
	_ Store    = &FileSystem{}
	_ Replacer = &FileSystem{}

	// ErrKeyContainsSlash means the key provided contains a forward slash '/'
	ErrKeyContainsSlash = errors.New("Key contains forward slash")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsWhiteSpace  means the key provided contains WhiteSpace
	ErrKeyContainsWhiteSpace = errors.New("Key contains White Space")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")

	// ErrKeyInvalid means the key is empty or begins with a '.'
	ErrKeyInvalid = errors.New("Key is empty or hidden")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*/*"
	case 1:
		glob = prefix + "*/*"
	case 2:
		glob = prefix[0:2] + "/*"
	case 3:
		glob = prefix[0:2] + "/" + prefix[2:3] + "*"
	default:
		glob = prefix[0:2] + "/" + prefix[2:4]
	}
	glob = filepath.Join(s.root, glob, prefix+"*")
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, m := range matches {
		name := path.Base(m)
		// skip in-progress temporary files
		if strings.HasPrefix(name, ".") {
			continue
		}
		result = append(result, name)
	}
	return result, nil
}

// Open returns a reader for the given key along with its size.
func (s *FileSystem) Open(key string) (io.ReadCloser, int64, error) {
	if err := isKeyValid(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.keypath(key))
	if err != nil {
		return nil, 0, notExist(key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Stat returns the size and modification time for key.
func (s *FileSystem) Stat(key string) (Info, error) {
	if err := isKeyValid(key); err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(s.keypath(key))
	if err != nil {
		return Info{}, notExist(key, err)
	}
	return Info{Size: fi.Size(), Modified: fi.ModTime()}, nil
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	return s.create(key, false)
}

// Replace returns a writer whose contents atomically replace key on Close.
func (s *FileSystem) Replace(key string) (io.WriteCloser, error) {
	return s.create(key, true)
}

func (s *FileSystem) create(key string, replace bool) (io.WriteCloser, error) {
	if err := isKeyValid(key); err != nil {
		return nil, err
	}
	target := s.keypath(key)
	if !replace {
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			return nil, ErrKeyExists
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	// keep the temporary file next to its target so the final rename never
	// crosses a file system boundary
	pf, err := renameio.TempFile(filepath.Dir(target), target)
	if err != nil {
		log.Println("FileSystem Create:", key, err)
		raven.CaptureError(err, map[string]string{"Key": key})
		return nil, err
	}
	return &pendingCloser{pf: pf, target: target, replace: replace}, nil
}

// pendingCloser moves the temporary file into place when it is closed.
type pendingCloser struct {
	pf      *renameio.PendingFile
	target  string
	replace bool
	done    bool
}

func (w *pendingCloser) Write(p []byte) (int, error) {
	return w.pf.Write(p)
}

func (w *pendingCloser) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if !w.replace {
		if _, err := os.Stat(w.target); !os.IsNotExist(err) {
			w.pf.Cleanup()
			return ErrKeyExists
		}
	}
	err := w.pf.CloseAtomicallyReplace()
	if err != nil {
		log.Println("FileSystem Close:", w.target, err)
		raven.CaptureError(err, map[string]string{"Path": w.target})
		w.pf.Cleanup()
	}
	return err
}

func (w *pendingCloser) Abort() error {
	w.done = true
	return w.pf.Cleanup()
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	if err := isKeyValid(key); err != nil {
		return err
	}
	err := os.Remove(s.keypath(key))
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

func (s *FileSystem) keypath(key string) string {
	return filepath.Join(s.root, itemSubdir(key), key)
}

func notExist(key string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return err
}

// Given a key, return the subdirectory the file is stored in
// e.g. "abcdd123" returns "ab/cd/"
func itemSubdir(key string) string {
	var result string
	switch len(key) {
	case 0:
		result = "./"
	case 1, 2:
		result = key + "/"
	case 3:
		result = key[0:2] + "/" + key[2:3] + "/"
	default:
		result = key[0:2] + "/" + key[2:4] + "/"
	}
	return result
}

// Some Simple Key Validations
func isKeyValid(key string) error {
	if key == "" || key[0] == '.' {
		return ErrKeyInvalid
	}
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return ErrKeyContainsWhiteSpace
		}
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}

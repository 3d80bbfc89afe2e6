// Package orchestrator implements the server-side API: the image library,
// device management over the device store, bootstrap artifacts for netbooted
// devices, and proxying to the device-side imager service.
package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// activeLinkName is the symlink inside the image library marking the image
// currently served to the fleet.
const activeLinkName = "active"

var (
	ErrImageNotFound = errors.New("image not found")
	ErrNoActiveImage = errors.New("no active image")
)

// ImageInfo describes one image library entry.
type ImageInfo struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	SizeBytes  int64  `json:"size_bytes"`
	Compressed bool   `json:"compressed"`
}

// ImageStore is a directory-per-image library. Each entry holds a single
// *.img or *.img.gz file; the active image is tracked with a relative
// symlink so the library stays valid when the directory moves.
type ImageStore struct {
	dir string
}

// NewImageStore opens the library rooted at dir, creating it if needed.
func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image library: %w", err)
	}
	return &ImageStore{dir: dir}, nil
}

// List returns the library entries, flagging the active one.
func (s *ImageStore) List() ([]ImageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	active, _ := s.ActiveImage()

	images := []ImageInfo{}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == activeLinkName {
			continue
		}

		path, err := s.ImageFile(entry.Name())
		if err != nil {
			// Directory without an image file; not an entry.
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		images = append(images, ImageInfo{
			Name:       entry.Name(),
			Active:     entry.Name() == active,
			SizeBytes:  info.Size(),
			Compressed: strings.HasSuffix(path, ".gz"),
		})
	}
	return images, nil
}

// ImageFile resolves the image payload for the named entry, preferring the
// compressed variant when both are present.
func (s *ImageStore) ImageFile(name string) (string, error) {
	dir, err := s.entryDir(name)
	if err != nil {
		return "", err
	}

	for _, pattern := range []string{"*.img.gz", "*.img"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrImageNotFound, name)
}

// Activate marks the named image as active for subsequent write operations.
func (s *ImageStore) Activate(name string) error {
	if _, err := s.ImageFile(name); err != nil {
		return err
	}

	link := filepath.Join(s.dir, activeLinkName)
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("removing previous active link: %w", err)
		}
	}
	return os.Symlink(name, link)
}

// ActiveImage returns the name of the active image, or ErrNoActiveImage.
func (s *ImageStore) ActiveImage() (string, error) {
	target, err := os.Readlink(filepath.Join(s.dir, activeLinkName))
	if err != nil {
		return "", ErrNoActiveImage
	}

	name := filepath.Base(target)
	if _, err := s.ImageFile(name); err != nil {
		return "", ErrNoActiveImage
	}
	return name, nil
}

// entryDir validates the entry name against path traversal and returns its
// directory.
func (s *ImageStore) entryDir(name string) (string, error) {
	if name == "" || name == activeLinkName || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid name %q", ErrImageNotFound, name)
	}

	dir := filepath.Join(s.dir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, name)
	}
	return dir, nil
}

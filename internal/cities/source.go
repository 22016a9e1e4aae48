package cities

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/igolaizola/citychat/pkg/memory"
)

// Source provides the city dataset to the chain. It can reload the dataset
// when its file changes.
type Source struct {
	path      string
	mentioned bool

	lck  sync.RWMutex
	data Dataset
}

// NewSource loads the dataset at path (the built-in one if path is empty).
// With mentioned set, only the cities named in the last human message are
// provided, falling back to the whole dataset when none is named.
func NewSource(path string, mentioned bool) (*Source, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, mentioned: mentioned, data: d}, nil
}

// NewStaticSource returns a source for an in-memory dataset.
func NewStaticSource(d Dataset, mentioned bool) *Source {
	return &Source{data: d, mentioned: mentioned}
}

func (s *Source) Dataset() Dataset {
	s.lck.RLock()
	defer s.lck.RUnlock()
	return s.data
}

// Context returns the dataset to send along with the history.
func (s *Source) Context(history []memory.Message) (any, error) {
	d := s.Dataset()
	if !s.mentioned {
		return d, nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != memory.Human {
			continue
		}
		if m := d.Mentioned(history[i].Content); len(m) > 0 {
			return m, nil
		}
		break
	}
	return d, nil
}

// Reload reads the dataset file again.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	d, err := Load(s.path)
	if err != nil {
		return err
	}
	s.lck.Lock()
	s.data = d
	s.lck.Unlock()
	return nil
}

// Watch reloads the dataset whenever its file is written, until the context
// is done. Invalid files are logged and the previous dataset is kept.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("cities: nothing to watch, using built-in dataset")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cities: couldn't create watcher: %w", err)
	}
	// Watch the directory, editors usually replace the file
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("cities: couldn't watch %s: %w", s.path, err)
	}
	go func() {
		defer watcher.Close()
		base := filepath.Base(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Printf("cities: couldn't reload dataset: %v", err)
					continue
				}
				log.Printf("cities: reloaded %s (%d cities)", s.path, len(s.Dataset()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("cities: watcher error: %v", err)
			}
		}
	}()
	return nil
}

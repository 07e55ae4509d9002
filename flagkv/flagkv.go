// Copyright 2025 The earshot Authors
// This file is part of the earshot library.
//
// The earshot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The earshot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the earshot library. If not, see <http://www.gnu.org/licenses/>.

// Package flagkv provides the live feature-flag key-value source consulted
// by the admission path. The canonical implementation is a small JSON file
// reloaded whenever it changes on disk, so operators can flip flags on a
// running daemon.
package flagkv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// Source yields live flag values. Lookup returns the raw value and whether
// the key is set at all.
type Source interface {
	Lookup(key string) (string, bool)
}

// Static is a fixed in-memory Source, mainly for tests and wiring defaults.
type Static map[string]string

// Lookup implements Source.
func (s Static) Lookup(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// File is a Source backed by a JSON object file of string values. The file
// is watched and reloaded on change; a malformed rewrite keeps the previous
// values in effect.
type File struct {
	path    string
	log     log.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	values map[string]string

	quit chan struct{}
	wg   sync.WaitGroup
}

// Open loads path and starts watching it for changes. The watch covers the
// containing directory so atomic rename-over writes are picked up too.
func Open(path string, logger log.Logger) (*File, error) {
	if logger == nil {
		logger = log.Root()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f := &File{
		path: abs,
		log:  logger.New("flags", abs),
		quit: make(chan struct{}),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	f.watcher = watcher
	f.wg.Add(1)
	go f.watch()
	return f, nil
}

// Lookup implements Source.
func (f *File) Lookup(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

// Close stops the watcher.
func (f *File) Close() error {
	close(f.quit)
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

func (f *File) watch() {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn("Flag file reload failed", "err", err)
			} else {
				f.log.Debug("Flag file reloaded")
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("Flag file watcher error", "err", err)
		case <-f.quit:
			return
		}
	}
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("flag file is not a JSON string map: %v", err)
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

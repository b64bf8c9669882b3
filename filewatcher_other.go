//go:build !linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWatcher polls modification times and calls onChange, debounced
type FileWatcher struct {
	files       []string
	modTimes    map[string]time.Time
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	onChange    func(string)
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	return &FileWatcher{
		modTimes:    make(map[string]time.Time),
		debounceMap: make(map[string]*time.Timer),
		onChange:    onChange,
		stopChan:    make(chan struct{}),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", absPath, err)
	}

	fw.mu.Lock()
	fw.files = append(fw.files, absPath)
	fw.modTimes[absPath] = info.ModTime()
	fw.mu.Unlock()

	return nil
}

// Watch blocks, polling until Close is called
func (fw *FileWatcher) Watch() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.checkFiles()
		case <-fw.stopChan:
			return
		}
	}
}

func (fw *FileWatcher) checkFiles() {
	fw.mu.Lock()
	files := make([]string, len(fw.files))
	copy(files, fw.files)
	fw.mu.Unlock()

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			// mid-replace by an editor, try again next tick
			continue
		}

		fw.mu.Lock()
		changed := !info.ModTime().Equal(fw.modTimes[path])
		if changed {
			fw.modTimes[path] = info.ModTime()
		}
		fw.mu.Unlock()

		if changed {
			fw.debouncedCallback(path)
		}
	}
}

func (fw *FileWatcher) debouncedCallback(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.debounceMap[path]; exists {
		timer.Stop()
	}

	fw.debounceMap[path] = time.AfterFunc(300*time.Millisecond, func() {
		fw.mu.Lock()
		delete(fw.debounceMap, path)
		fw.mu.Unlock()
		fw.onChange(path)
	})
}

func (fw *FileWatcher) Close() error {
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.mu.Lock()
		for _, timer := range fw.debounceMap {
			timer.Stop()
		}
		fw.mu.Unlock()
	})
	return nil
}

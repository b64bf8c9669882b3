//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask catches in-place writes and editors that replace the file
const watchMask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF | unix.IN_ATTRIB

// FileWatcher calls onChange, debounced, when a watched description changes
type FileWatcher struct {
	fd          int
	watchMap    map[int]string
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	onChange    func(string)
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init failed: %w", err)
	}

	return &FileWatcher{
		fd:          fd,
		watchMap:    make(map[int]string),
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

	wd, err := unix.InotifyAddWatch(fw.fd, absPath, watchMask)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", absPath, err)
	}

	fw.mu.Lock()
	fw.watchMap[wd] = absPath
	fw.mu.Unlock()

	return nil
}

// rewatch follows a path whose inode was replaced by a rename
func (fw *FileWatcher) rewatch(wd int, path string) {
	fw.mu.Lock()
	delete(fw.watchMap, wd)
	fw.mu.Unlock()

	// the replacement may not exist yet
	for range 10 {
		if err := fw.AddFile(path); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Stopped watching %s: file is gone\n", path)
	}
}

// Watch blocks, dispatching change events until Close is called
func (fw *FileWatcher) Watch() {
	buf := make([]byte, (unix.SizeofInotifyEvent+unix.PathMax)*4)

	for {
		select {
		case <-fw.stopChan:
			return
		default:
		}

		n, err := unix.Read(fw.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "Error reading inotify events: %v\n", err)
			}
			return
		}

		offset := 0
		for offset+unix.SizeofInotifyEvent <= n {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)

			fw.mu.Lock()
			path := fw.watchMap[int(event.Wd)]
			fw.mu.Unlock()
			if path == "" {
				continue
			}

			if event.Mask&(unix.IN_MOVE_SELF|unix.IN_DELETE_SELF) != 0 {
				unix.InotifyRmWatch(fw.fd, uint32(event.Wd))
				fw.rewatch(int(event.Wd), path)
			}
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
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.mu.Lock()
		for _, timer := range fw.debounceMap {
			timer.Stop()
		}
		fw.mu.Unlock()
		err = unix.Close(fw.fd)
	})
	return err
}

// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// defaultDebounce coalesces rapid-fire editor writes to one reload.
const defaultDebounce = 500 * time.Millisecond

// UpdateCallback is invoked after a config file change is applied.
// eventType is one of "create", "modify", "delete".
type UpdateCallback func(eventType string, configID string, err error)

// WatcherConfig configures a config-directory watcher.
type WatcherConfig struct {
	// Dir holds one JSON file per agent configuration.
	Dir      string
	Store    *Store
	Debounce time.Duration
	OnUpdate UpdateCallback
	Logger   *zap.Logger
}

// Watcher hot-reloads agent configurations from a directory of JSON
// files into the store. The file stem is not authoritative; the config
// id inside the document is.
type Watcher struct {
	dir      string
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onUpdate UpdateCallback
	logger   *zap.Logger

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	// ids remembers which config id each file last carried so deletes
	// can be applied.
	ids map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewWatcher creates a watcher over cfg.Dir.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: configs directory is required", types.ErrValidation)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", types.ErrValidation)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		dir:      cfg.Dir,
		store:    cfg.Store,
		watcher:  fw,
		debounce: cfg.Debounce,
		onUpdate: cfg.OnUpdate,
		logger:   cfg.Logger,
		timers:   make(map[string]*time.Timer),
		ids:      make(map[string]string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start loads every existing config file, then begins watching for
// changes.
func (w *Watcher) Start() error {
	if err := w.loadAll(); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch configs directory: %w", err)
	}

	go w.loop()
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.doneCh
	})
	return err
}

func (w *Watcher) loadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read configs directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isConfigFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.applyFile(path, "create"); err != nil {
			w.logger.Warn("skipping unreadable config file",
				zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isConfigFile(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.applyDelete(event.Name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		eventType := "modify"
		if event.Op&fsnotify.Create != 0 {
			eventType = "create"
		}
		w.debounced(event.Name, eventType)
	}
}

// debounced schedules one apply per path per debounce window.
func (w *Watcher) debounced(path, eventType string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()

		err := w.applyFile(path, eventType)
		if err != nil {
			w.logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
		}
	})
}

func (w *Watcher) applyFile(path, eventType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		w.notify(eventType, "", err)
		return err
	}

	var cfg types.AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		err = fmt.Errorf("%w: invalid config file %s: %v", types.ErrValidation, path, err)
		w.notify(eventType, "", err)
		return err
	}

	if err := w.store.Save(context.Background(), &cfg); err != nil {
		w.notify(eventType, cfg.ID, err)
		return err
	}

	w.timersMu.Lock()
	w.ids[path] = cfg.ID
	w.timersMu.Unlock()

	w.logger.Info("agent config reloaded",
		zap.String("config_id", cfg.ID),
		zap.String("event", eventType))
	w.notify(eventType, cfg.ID, nil)
	return nil
}

func (w *Watcher) applyDelete(path string) {
	w.timersMu.Lock()
	id, ok := w.ids[path]
	delete(w.ids, path)
	w.timersMu.Unlock()
	if !ok {
		return
	}

	err := w.store.Delete(context.Background(), id)
	if err != nil {
		w.logger.Warn("config delete failed", zap.String("config_id", id), zap.Error(err))
	} else {
		w.logger.Info("agent config removed", zap.String("config_id", id))
	}
	w.notify("delete", id, err)
}

func (w *Watcher) notify(eventType, id string, err error) {
	if w.onUpdate != nil {
		w.onUpdate(eventType, id, err)
	}
}

func isConfigFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

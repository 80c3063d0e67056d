// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sysfs

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// HTTPDir serves attributes as text/plain documents. The attribute
// "stat/volumes" is available at /stat/volumes.
type HTTPDir struct {
	mu    sync.RWMutex
	attrs map[string]ShowFunc
}

func NewHTTPDir() *HTTPDir {
	return &HTTPDir{attrs: make(map[string]ShowFunc)}
}

func (h *HTTPDir) Publish(path string, show ShowFunc) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	key := strings.Join(parts, "/")

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.attrs[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	h.attrs[key] = show

	return nil
}

func (h *HTTPDir) Remove(path string) error {
	key := strings.Trim(path, "/")

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.attrs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(h.attrs, key)

	return nil
}

func (h *HTTPDir) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "attributes are read-only", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	show, ok := h.attrs[strings.Trim(r.URL.Path, "/")]
	h.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(show())
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package sysfs publishes read-only attributes. An attribute is a named text
// produced on every read by its show function, similar to sysfs attributes
// in linux. Attributes are addressed by slash separated paths like
// "stat/volumes" and can be exposed through a FUSE mount, an http handler or
// both.
package sysfs

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrExists      = errors.New("attribute already exists")
	ErrNotFound    = errors.New("attribute not found")
	ErrInvalidPath = errors.New("invalid attribute path")
)

// ShowFunc renders the current content of an attribute. It must not fail.
type ShowFunc func() []byte

// Dir is a place attributes can be published to.
type Dir interface {
	Publish(path string, show ShowFunc) error
	Remove(path string) error
}

// Splits path into its components. Empty components are not allowed.
func splitPath(path string) ([]string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}

	return parts, nil
}

// Group publishes attributes into all its directories.
type Group []Dir

// Publish publishes into every directory. When one fails, the attribute is
// removed from the directories it was already published to.
func (g Group) Publish(path string, show ShowFunc) error {
	for i, d := range g {
		if err := d.Publish(path, show); err != nil {
			for _, done := range g[:i] {
				err = multierr.Append(err, done.Remove(path))
			}

			return err
		}
	}

	return nil
}

func (g Group) Remove(path string) error {
	var err error
	for _, d := range g {
		err = multierr.Append(err, d.Remove(path))
	}

	return err
}

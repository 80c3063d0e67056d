// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dmp

import (
	"errors"

	"github.com/asch/dmp/internal/devmapper"
)

var (
	ErrInvalidArgumentCount = errors.New("invalid count of arguments")
	ErrAllocation           = errors.New("failed to allocate device")
	ErrDeviceLookup         = errors.New("failed device lookup")
	ErrRegistration         = errors.New("failed to register device mapper proxy")

	// Requests other than reads and writes are completed with this error.
	ErrUnsupportedOperation = devmapper.ErrUnsupportedOperation
)

//go:build !linux

package gpio

import "errors"

var errLinuxOnly = errors.New("backend requires linux")

func openCdevLines(Config) (Lines, error)   { return nil, errLinuxOnly }
func openCdevOutput(Config) (Output, error) { return nil, errLinuxOnly }

func openSysfsLines(Config) (Lines, error)   { return nil, errLinuxOnly }
func openSysfsOutput(Config) (Output, error) { return nil, errLinuxOnly }

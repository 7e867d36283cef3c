/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config reads the ini-style boot configuration for the tinyos3
// kernel demo: how many processes the PCB table should hold, how large
// the port space is, and where the kernel log should go.
package config

import (
	"errors"
	"io/ioutil"
	"os"

	"github.com/gravwell/gcfg"

	"github.com/dmavrogiorgis/tinyos3/kernel"
	"github.com/dmavrogiorgis/tinyos3/log"
	"github.com/dmavrogiorgis/tinyos3/log/rotate"
)

const (
	defaultLogLevel             = `INFO`
	maxConfigSize         int64 = 1024 * 1024 * 4
	defaultMaxProc              = 16
	defaultMaxPort               = 1024
)

// global holds the [Global] ini section.
type global struct {
	Log_File         string
	Log_Level        string
	Log_Max_Size     int64
	Log_Max_History  uint
	Log_Compress_Old bool
}

// kernelSection holds the [Kernel] ini section, sizing the simulated
// process table and port space.
type kernelSection struct {
	Max_Proc int
	Max_Port int
}

type cfgType struct {
	Global global
	Kernel kernelSection
}

// Config is the resolved, defaulted boot configuration for cmd/tinyos.
type Config struct {
	LogFile        string
	LogLevel       string
	LogMaxSize     int64
	LogMaxHistory  uint
	LogCompressOld bool
	MaxProc        int
	MaxPort        int
}

// GetConfig reads and parses an ini-style config file at path. An empty
// path yields the zero-value defaults (discard logger, default table
// sizes) so the demo binary runs without any config present.
func GetConfig(path string) (c Config, err error) {
	c = Config{
		LogLevel: defaultLogLevel,
		MaxProc:  defaultMaxProc,
		MaxPort:  defaultMaxPort,
	}
	if path == `` {
		return
	}

	var fin *os.File
	var fi os.FileInfo
	var data []byte

	if fin, err = os.Open(path); err != nil {
		return
	}
	defer fin.Close()
	if fi, err = fin.Stat(); err != nil {
		return
	}
	if fi.Size() > maxConfigSize {
		err = errors.New("config file far too large")
		return
	}
	if data, err = ioutil.ReadAll(fin); err != nil {
		return
	}

	var raw cfgType
	if err = gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return
	}

	c.LogFile = raw.Global.Log_File
	if raw.Global.Log_Level != `` {
		c.LogLevel = raw.Global.Log_Level
	}
	c.LogMaxSize = raw.Global.Log_Max_Size
	c.LogMaxHistory = raw.Global.Log_Max_History
	c.LogCompressOld = raw.Global.Log_Compress_Old
	if raw.Kernel.Max_Proc != 0 {
		c.MaxProc = raw.Kernel.Max_Proc
	}
	if raw.Kernel.Max_Port != 0 {
		c.MaxPort = raw.Kernel.Max_Port
	}
	err = c.validate()
	return
}

func (c Config) validate() error {
	if c.MaxProc <= 0 {
		return errors.New("invalid Kernel.Max_Proc, must be > 0")
	}
	if c.MaxPort <= 0 {
		return errors.New("invalid Kernel.Max_Port, must be > 0")
	}
	if c.LogMaxSize < 0 {
		return errors.New("invalid Global.Log_Max_Size, must be >= 0")
	}
	return nil
}

// GetLogger builds the structured logger described by c. When no log file
// is configured the kernel runs with a discard logger. When Log_Max_Size
// is set the log file is wrapped in a rotate.FileRotator so the kernel's
// event log (Exec/Exit/Accept) doesn't grow unbounded.
func (c Config) GetLogger() (lg *log.Logger, err error) {
	if c.LogFile == `` {
		lg = log.NewDiscardLogger()
		return
	}

	var ll log.Level
	if ll, err = log.LevelFromString(c.LogLevel); err != nil {
		return
	}
	if ll == log.OFF {
		lg = log.NewDiscardLogger()
		return
	}

	if c.LogMaxSize > 0 {
		var fr *rotate.FileRotator
		if fr, err = rotate.OpenEx(c.LogFile, 0640, c.LogMaxSize, c.LogMaxHistory, c.LogCompressOld); err != nil {
			return
		}
		lg = log.New(fr)
	} else {
		if lg, err = log.NewFile(c.LogFile); err != nil {
			return
		}
	}
	err = lg.SetLevel(ll)
	return
}

// KernelConfig builds the kernel.Config used to boot a kernel.Kernel from
// the resolved boot configuration.
func (c Config) KernelConfig() kernel.Config {
	return kernel.Config{
		MaxProc: c.MaxProc,
		MaxPort: c.MaxPort,
	}
}

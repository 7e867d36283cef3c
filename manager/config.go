/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package manager

import (
	"errors"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/gravwell/gcfg"

	"github.com/dmavrogiorgis/tinyos3/log"
)

const (
	defaultMaxRestarts          = 3
	defaultRestartPeriod        = 10 // minutes
	defaultCooldownPeriod       = 60 // minutes
	defaultLogLevel             = `WARN`
	maxConfigSize         int64 = 1024 * 1024 * 4
)

// processReadCfg is the raw ini shape of one [Process "name"] block,
// named fields matching gcfg's underscore convention.
type processReadCfg struct {
	Program         string // name of a program registered via Register
	Argl            int    // length of Args actually meaningful to the program
	Args            string // opaque argument blob, passed through verbatim
	Max_Restarts    int
	Start_Delay     int
	Restart_Period  int
	Cooldown_Period int
}

type globalCfg struct {
	Log_File  string
	Log_Level string
}

type cfgType struct {
	Global  globalCfg
	Process map[string]*processReadCfg
}

// Config is one supervised program's resolved, defaulted policy.
type Config struct {
	Name           string
	Program        string
	Argl           int
	Args           []byte
	StartDelay     int
	MaxRestarts    int
	RestartPeriod  time.Duration
	CooldownPeriod time.Duration
}

// GetConfig reads an ini-style supervisor config from path, returning
// one Config per [Process "name"] block plus the resolved logger.
func GetConfig(path string) (cfgs []Config, lg *log.Logger, err error) {
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
		err = errors.New("manager: config file far too large")
		return
	}
	if data, err = ioutil.ReadAll(fin); err != nil {
		return
	}

	var raw cfgType
	if err = gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return
	}
	if err = raw.validate(); err != nil {
		return
	}

	if lg, err = raw.getLogger(); err != nil {
		return
	}
	cfgs = raw.processConfigs()
	return
}

func (c cfgType) validate() error {
	if len(c.Process) == 0 {
		return errors.New("manager: no [Process] blocks specified")
	}
	for name, p := range c.Process {
		if strings.TrimSpace(name) == `` {
			return errors.New("manager: process block missing name")
		}
		if strings.TrimSpace(p.Program) == `` {
			return errors.New("manager: " + name + ": missing Program")
		}
		if _, ok := lookup(p.Program); !ok {
			return errors.New("manager: " + name + ": unregistered program " + p.Program)
		}
		if p.Max_Restarts < 0 {
			return errors.New("manager: " + name + ": Max_Restarts must be >= 0")
		}
		if p.Start_Delay < 0 {
			return errors.New("manager: " + name + ": Start_Delay must be >= 0")
		}
		if p.Restart_Period < 0 || p.Cooldown_Period < 0 {
			return errors.New("manager: " + name + ": Restart_Period/Cooldown_Period must be >= 0")
		}
	}
	return nil
}

func (c cfgType) processConfigs() (out []Config) {
	out = make([]Config, 0, len(c.Process))
	for name, p := range c.Process {
		cfg := Config{
			Name:       name,
			Program:    p.Program,
			Argl:       p.Argl,
			Args:       []byte(p.Args),
			StartDelay: p.Start_Delay,
		}
		if p.Max_Restarts <= 0 {
			cfg.MaxRestarts = defaultMaxRestarts
		} else {
			cfg.MaxRestarts = p.Max_Restarts
		}
		if p.Restart_Period <= 0 {
			cfg.RestartPeriod = defaultRestartPeriod * time.Minute
		} else {
			cfg.RestartPeriod = time.Duration(p.Restart_Period) * time.Minute
		}
		if p.Cooldown_Period <= 0 {
			cfg.CooldownPeriod = defaultCooldownPeriod * time.Minute
		} else {
			cfg.CooldownPeriod = time.Duration(p.Cooldown_Period) * time.Minute
		}
		out = append(out, cfg)
	}
	return
}

func (c cfgType) getLogger() (lg *log.Logger, err error) {
	if c.Global.Log_File == `` {
		lg = log.NewDiscardLogger()
		return
	}
	lvlStr := c.Global.Log_Level
	if lvlStr == `` {
		lvlStr = defaultLogLevel
	}
	var ll log.Level
	if ll, err = log.LevelFromString(lvlStr); err != nil {
		return
	}
	if ll == log.OFF {
		lg = log.NewDiscardLogger()
		return
	}
	if lg, err = log.NewFile(c.Global.Log_File); err != nil {
		return
	}
	err = lg.SetLevel(ll)
	return
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/dorepo/checksum"
)

// config holds the settings of a dorepo server. It is read from a TOML
// file, and then individual settings may be overridden on the command line.
type config struct {
	StoreDir        string  // content and object records. "" keeps them in memory
	TempDir         string  // staged uploads. "" keeps them in memory
	Journal         string  // see openJournal
	Mode            string  // "leader" or "follower"
	Leader          string  // URL of the leader, for followers
	FollowInterval  string  // how often a follower polls, e.g. "30s"
	Rebuild         bool    // replay the local journal into the repository on start
	Port            string  // HTTP port
	PProfPort       string  // pprof port, if not empty
	FixityRate      float64 // in MB/hour. 0 disables fixity checking
	DefaultChecksum string  // digest type used when a request asks for the default
	SentryDSN       string
	Namespace       string // for generated PIDs
	CacheSize       int    // number of objects kept decoded
	UploadMaxAge    string // staged uploads older than this are swept. "0" disables

	uploadMaxAge time.Duration // parsed by check
}

var (
	ErrMode        = errors.New(`Mode must be "leader" or "follower"`)
	ErrNoLeader    = errors.New("a follower needs a Leader URL")
	ErrRebuildMode = errors.New("only a leader can rebuild from its journal")
)

func defaultConfig() config {
	return config{
		Mode:           "leader",
		Port:           "14000",
		FollowInterval: "30s",
		Namespace:      "changeme",
		UploadMaxAge:   "24h",
	}
}

// loadConfig reads the TOML file at path over the values already in c.
func (c *config) loadConfig(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown configuration keys %v in %s", undecoded, path)
	}
	return nil
}

// check validates the settings and returns the parsed follow interval and
// default checksum type. It also parses UploadMaxAge.
func (c *config) check() (time.Duration, checksum.Type, error) {
	var cs checksum.Type
	switch c.Mode {
	case "leader":
	case "follower":
		if c.Leader == "" {
			return 0, cs, ErrNoLeader
		}
		if c.Rebuild {
			return 0, cs, ErrRebuildMode
		}
	default:
		return 0, cs, ErrMode
	}
	interval, err := time.ParseDuration(c.FollowInterval)
	if err != nil {
		return 0, cs, err
	}
	c.uploadMaxAge, err = time.ParseDuration(c.UploadMaxAge)
	if err != nil {
		return 0, cs, err
	}
	if c.DefaultChecksum != "" {
		cs, err = checksum.ParseType(c.DefaultChecksum)
		if err != nil {
			return 0, cs, err
		}
	}
	return interval, cs, nil
}

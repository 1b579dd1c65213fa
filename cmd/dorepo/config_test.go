package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ndlib/dorepo/checksum"
)

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "dorepo")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fname := filepath.Join(dir, "dorepo.toml")
	err = ioutil.WriteFile(fname, []byte(`
StoreDir = "/var/dorepo"
Journal = "ql:/var/dorepo/journal.ql"
Mode = "follower"
Leader = "http://leader:14000"
FollowInterval = "5s"
FixityRate = 1000.0
DefaultChecksum = "SHA-256"
UploadMaxAge = "2h"
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	if err := cfg.loadConfig(fname); err != nil {
		t.Fatal(err)
	}
	if cfg.StoreDir != "/var/dorepo" || cfg.Leader != "http://leader:14000" || cfg.FixityRate != 1000 {
		t.Errorf("Got %+v", cfg)
	}
	// not in the file
	if cfg.Port != "14000" {
		t.Errorf("Got port %s, expected 14000", cfg.Port)
	}
	interval, cs, err := cfg.check()
	if err != nil {
		t.Fatal(err)
	}
	if interval != 5*time.Second || cs != checksum.SHA256 {
		t.Errorf("Got %v, %v, expected 5s and SHA-256", interval, cs)
	}
	if cfg.uploadMaxAge != 2*time.Hour {
		t.Errorf("Got upload age %v, expected 2h", cfg.uploadMaxAge)
	}

	err = ioutil.WriteFile(fname, []byte(`Colour = "red"`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	cfg = defaultConfig()
	if err := cfg.loadConfig(fname); err == nil {
		t.Errorf("Got nil, expected an error for an unknown key")
	}
}

func TestConfigCheck(t *testing.T) {
	var table = []struct {
		mutate func(*config)
		err    error
	}{
		{func(c *config) {}, nil},
		{func(c *config) { c.Mode = "boss" }, ErrMode},
		{func(c *config) { c.Mode = "follower" }, ErrNoLeader},
		{func(c *config) { c.Mode = "follower"; c.Leader = "http://x"; c.Rebuild = true }, ErrRebuildMode},
		{func(c *config) { c.Mode = "follower"; c.Leader = "http://x" }, nil},
		{func(c *config) { c.UploadMaxAge = "0" }, nil},
	}
	for i, row := range table {
		cfg := defaultConfig()
		row.mutate(&cfg)
		_, _, err := cfg.check()
		if err != row.err {
			t.Errorf("%d: Got %v, expected %v", i, err, row.err)
		}
	}

	cfg := defaultConfig()
	cfg.UploadMaxAge = "a while"
	if _, _, err := cfg.check(); err == nil {
		t.Errorf("Got nil, expected an error for a bad UploadMaxAge")
	}
}

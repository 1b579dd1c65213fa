// Command dorepo runs a repository server, either as a leader accepting
// changes into its journal or as a follower replaying a leader's journal.
// A follower is read-only.
//
// Usage:
//
//	dorepo [-config dorepo.toml] [-storage dir] [-journal location] ...
//
// Settings given on the command line override those in the config file.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/dorepo/fetch"
	"github.com/ndlib/dorepo/fixity"
	"github.com/ndlib/dorepo/journal"
	"github.com/ndlib/dorepo/repository"
	"github.com/ndlib/dorepo/server"
	"github.com/ndlib/dorepo/store"
	"github.com/ndlib/dorepo/upload"
)

// the number of external fetches we allow at a given time.
const maxFetches = 4

func main() {
	var (
		configFile = flag.String("config", "", "path to a TOML configuration file")
		storeDir   = flag.String("storage", "", "location of the storage directory")
		tempDir    = flag.String("temp", "", "location of the upload directory")
		journalLoc = flag.String("journal", "", "location of the journal")
		mode       = flag.String("mode", "", "leader or follower")
		leader     = flag.String("leader", "", "URL of the leader to follow")
		port       = flag.String("port", "", "port to listen on")
		rebuild    = flag.Bool("rebuild", false, "replay the journal into the repository at start")
	)
	flag.Parse()

	cfg := defaultConfig()
	if *configFile != "" {
		if err := cfg.loadConfig(*configFile); err != nil {
			log.Fatalln(err)
		}
	}
	// only flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "storage":
			cfg.StoreDir = *storeDir
		case "temp":
			cfg.TempDir = *tempDir
		case "journal":
			cfg.Journal = *journalLoc
		case "mode":
			cfg.Mode = *mode
		case "leader":
			cfg.Leader = *leader
		case "port":
			cfg.Port = *port
		case "rebuild":
			cfg.Rebuild = *rebuild
		}
	})
	interval, defaultCS, err := cfg.check()
	if err != nil {
		log.Fatalln(err)
	}
	if cfg.SentryDSN != "" {
		raven.SetDSN(cfg.SentryDSN)
	}

	log.Printf("Mode = %s", cfg.Mode)
	log.Printf("StoreDir = %s", cfg.StoreDir)
	log.Printf("TempDir = %s", cfg.TempDir)
	content := parselocation(cfg.StoreDir, "content")
	metadata := parselocation(cfg.StoreDir, "metadata")
	temp := parselocation(cfg.TempDir, "upload")
	if content == nil || metadata == nil || temp == nil {
		log.Fatalln("Could not open storage")
	}
	uploads := upload.New(temp)
	log.Println("Scanning Upload Queue")
	if err := uploads.Load(); err != nil {
		log.Fatalln(err)
	}

	statsClient := server.NewExpvarStats()
	statsClient.Publish("dorepo")

	repo, err := repository.New(repository.Options{
		Metadata:        metadata,
		Content:         content,
		Uploads:         uploads,
		Fetcher:         fetch.New(maxFetches),
		Namespace:       cfg.Namespace,
		DefaultChecksum: defaultCS,
		CacheSize:       cfg.CacheSize,
	})
	if err != nil {
		log.Fatalln(err)
	}
	state := store.NewJSON(store.NewWithPrefix(metadata, "state-"))

	srv := &server.RESTServer{
		PortNumber: cfg.Port,
		PProfPort:  cfg.PProfPort,
		Repo:       repo,
		Stats:      statsClient,
	}

	var stop []func()
	switch cfg.Mode {
	case "leader":
		l, err := openJournal(cfg.Journal)
		if err != nil {
			log.Fatalln(cfg.Journal, err)
		}
		w, err := journal.NewWriter(l)
		if err != nil {
			log.Fatalln(err)
		}
		w.Stats = statsClient
		stop = append(stop, func() { w.Close() })
		if cfg.Rebuild {
			log.Println("Rebuilding from journal")
			rp := &journal.Replayer{Delegate: repo, Stats: statsClient}
			report, err := rp.Replay(w, 1)
			if err != nil {
				log.Fatalln(err)
			}
			log.Printf("Replayed %d entries, %d conflicts", report.Applied, len(report.Conflicts))
		}
		srv.Journal = w
		// every change on a leader goes through the journal
		srv.Delegate = journal.NewJournaler(repo, w)
	case "follower":
		log.Printf("Following %s every %s", cfg.Leader, interval)
		f := journal.NewFollower(server.NewRemoteSource(cfg.Leader), repo, interval)
		f.Replayer.Stats = statsClient
		f.State = &state
		if err := f.Start(); err != nil {
			log.Fatalln(err)
		}
		stop = append(stop, f.Stop)
	}

	if cfg.uploadMaxAge > 0 {
		log.Printf("Sweeping uploads older than %s", cfg.uploadMaxAge)
		stop = append(stop, uploads.StartSweeper(clock.New(), cfg.uploadMaxAge))
	}

	if cfg.FixityRate > 0 {
		log.Printf("Starting fixity checking at %g MB/hour", cfg.FixityRate)
		checker := fixity.New(repo, cfg.FixityRate*1000000/3600)
		checker.State = &state
		if err := checker.Start(); err != nil {
			log.Fatalln(err)
		}
		srv.Fixity = checker
		stop = append(stop, checker.Stop)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down")
		srv.Stop()
	}()

	err = srv.Run()
	// stop in reverse order of starting
	for i := len(stop) - 1; i >= 0; i-- {
		stop[i]()
	}
	if err != nil {
		log.Fatalln(err)
	}
}

package main

import (
	"errors"
	"flag"

	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/store"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// errDryRunComplete signals that migrations validated successfully in dry-run mode.
var errDryRunComplete = errors.New("dry-run complete")

func main() {
	dryRun := flag.Bool("dry-run", false, "Validate migrations without committing any changes")
	flag.Parse()

	log := flog.InitLogs("info")
	startMsg := "Starting database migration"
	if *dryRun {
		startMsg += " in dry-run mode"
	}
	log.Println(startMsg)
	defer log.Println("Database migration finished")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	logLvl, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = logrus.InfoLevel
	}
	log.SetLevel(logLvl)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	// All schema changes run in one transaction so a failure leaves the
	// database unchanged.
	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := store.NewStore(tx, log.WithField("pkg", "store")).InitialMigration(); err != nil {
			return err
		}
		if *dryRun {
			return errDryRunComplete
		}
		return nil
	}); err != nil {
		if errors.Is(err, errDryRunComplete) {
			log.Println("Dry-run completed successfully; no changes were committed")
			return
		}
		log.Fatalf("running database migrations: %v", err)
	}

	log.Println("Database migration completed successfully")
}

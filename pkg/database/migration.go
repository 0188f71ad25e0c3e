package database

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

var upMigration = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// migrateLogger routes golang-migrate output through ectologger at debug
type migrateLogger struct {
	logger ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return false }

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debugf(strings.TrimRight(format, "\n"), v...)
}

type MigrationConfig struct {
	// MigrationFolderPath wins when it exists on disk
	MigrationFolderPath string
	// Embedded is the fallback compiled into the binary
	Embedded fs.FS
	// Version migrates to an exact version; 0 means latest
	Version uint
	// Force marks the schema clean at this version before migrating; 0 disables
	Force int
	// AutoRollback forces a dirty schema back to the version it started at
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

// files picks the on-disk folder when present, else the embedded set
func (ms *MigrationService) files() (fs.FS, error) {
	if dir := ms.config.MigrationFolderPath; dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			if info, err := os.Stat(abs); err == nil && info.IsDir() {
				ms.logger.Infof("Using migrations from %s", abs)
				return os.DirFS(abs), nil
			}
		}
	}
	if ms.config.Embedded == nil {
		return nil, fmt.Errorf("migration folder %q does not exist and no migrations are embedded", ms.config.MigrationFolderPath)
	}
	ms.logger.Info("Using embedded migrations")
	return ms.config.Embedded, nil
}

// Migrate brings the schema of databaseName up to the configured version
func (ms *MigrationService) Migrate(databaseName string, db DB) error {
	files, err := ms.files()
	if err != nil {
		return err
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return errors.Wrap(err, "failed to read migrations")
	}
	driver, err := postgres.WithInstance(db.Unwrap().DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	m.Log = migrateLogger{logger: ms.logger}

	return ms.run(m, files)
}

func (ms *MigrationService) run(m *migrate.Migrate, files fs.FS) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force version %d", ms.config.Force)
		}
	}

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}

	began := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		ms.logger.Infof("Migrated schema from version %d in %s", from, time.Since(began))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.Infof("Schema is current at version %d", from)
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// the schema is ahead of the files, usually after a rollback
		latest, lerr := LatestVersion(files)
		if lerr != nil {
			return err
		}
		ms.logger.Warnf("Schema version %d has no migration file, forcing %d", from, latest)
		return m.Force(latest)
	}

	to, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return err
	}
	ms.logger.WithError(err).Errorf("Migration failed at version %d (dirty=%t)", to, dirty)

	if dirty && ms.config.AutoRollback {
		target := int(from)
		if from == 0 && to > 0 {
			target = int(to) - 1
		}
		ms.logger.Warnf("Forcing dirty schema back to version %d", target)
		if ferr := m.Force(target); ferr != nil {
			return errors.Wrapf(ferr, "failed to force version %d", target)
		}
	}
	return err
}

// LatestVersion is the highest NNN_name.up.sql version in files
func LatestVersion(files fs.FS) (int, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return 0, err
	}
	latest := -1
	for _, entry := range entries {
		m := upMigration.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		if v > latest {
			latest = v
		}
	}
	if latest < 0 {
		return 0, errors.New("no migration files found")
	}
	return latest, nil
}

// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/pgsync/pgsync/internal/config"
	"github.com/pgsync/pgsync/pkg/backup"
	"github.com/pgsync/pgsync/pkg/datasync"
	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/dbadapter/postgres"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/tunnel"
)

// services bundles everything a pull/clone/restore command needs once a
// named connection has been resolved and opened.
type services struct {
	Adapter   dbadapter.Adapter
	BackupMgr *backup.Manager
	Retry     datasync.RetryFunc
	SrcCfg    dbadapter.ConnConfig
	TgtCfg    dbadapter.ConnConfig
	Src       db.DB
	Tgt       db.DB
	Excluded  []string

	close func()
}

// Close tears down open connections and any SSH tunnel.
func (s *services) Close() {
	if s.close != nil {
		s.close()
	}
}

// connect resolves the named connection (or the config default),
// optionally opens an SSH tunnel to the source, and opens both database
// connections, returning a services bundle the caller must Close.
func connect(ctx context.Context, connName string) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &dbadapter.ConfigError{Msg: "load configuration", Err: err}
	}

	conn, _, err := cfg.Resolve(connName)
	if err != nil {
		return nil, &dbadapter.ConfigError{Msg: "resolve connection", Err: err}
	}

	if conn.Source.Driver != "" && conn.Source.Driver != "postgres" {
		return nil, &dbadapter.ConfigError{Msg: fmt.Sprintf("unsupported driver %q", conn.Source.Driver)}
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	srcCfg := endpointToConnConfig(conn.Source)
	retry := datasync.RetryFunc(nil)

	if conn.Tunnel != nil {
		t, err := tunnel.Open(ctx, tunnelConfig(*conn.Tunnel, conn.Source))
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = t.Close() })

		host, port := t.LocalAddr()
		srcCfg.Host = host
		srcCfg.Port = port
		retry = tunnel.RetryOperator()
	}

	srcDB, err := sql.Open("postgres", connString(srcCfg))
	if err != nil {
		closeAll()
		return nil, &dbadapter.ConfigError{Msg: "open source connection", Err: err}
	}
	closers = append(closers, func() { _ = srcDB.Close() })

	tgtCfg := endpointToConnConfig(conn.Target)
	tgtDB, err := sql.Open("postgres", connString(tgtCfg))
	if err != nil {
		closeAll()
		return nil, &dbadapter.ConfigError{Msg: "open target connection", Err: err}
	}
	closers = append(closers, func() { _ = tgtDB.Close() })

	adapter := postgres.New()
	backupDir := cfg.Backup.Path
	if backupDir == "" {
		backupDir = "./backups"
	}

	return &services{
		Adapter:   adapter,
		BackupMgr: backup.New(adapter, backupDir),
		Retry:     retry,
		SrcCfg:    srcCfg,
		TgtCfg:    tgtCfg,
		Src:       &db.RDB{DB: srcDB, Logger: logger},
		Tgt:       &db.RDB{DB: tgtDB, Logger: logger},
		Excluded:  conn.ExcludedTables,
		close:     closeAll,
	}, nil
}

func tunnelConfig(t config.Tunnel, source config.Endpoint) tunnel.Config {
	return tunnel.Config{
		Host:           t.Host,
		Port:           t.Port,
		User:           t.User,
		Password:       t.Password,
		PrivateKeyPath: t.PrivateKeyPath,
		RemoteHost:     source.Host,
		RemotePort:     source.Port,
	}
}

func endpointToConnConfig(e config.Endpoint) dbadapter.ConnConfig {
	sslMode := e.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	driver := e.Driver
	if driver == "" {
		driver = "postgres"
	}
	return dbadapter.ConnConfig{
		Driver:   driver,
		Host:     e.Host,
		Port:     e.Port,
		Database: e.Database,
		Username: e.Username,
		Password: e.Password,
		SSLMode:  sslMode,
	}
}

func connString(cfg dbadapter.ConnConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.SSLMode)
	if cfg.Password != "" {
		fmt.Fprintf(&b, " password=%s", cfg.Password)
	}
	return b.String()
}

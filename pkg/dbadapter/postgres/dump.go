// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pgsync/pgsync/pkg/dbadapter"
)

func connEnv(cfg dbadapter.ConnConfig) []string {
	env := os.Environ()
	if cfg.Password != "" {
		env = append(env, "PGPASSWORD="+cfg.Password)
	}
	return env
}

func connArgs(cfg dbadapter.ConnConfig) []string {
	args := []string{
		"-h", cfg.Host,
		"-p", fmt.Sprintf("%d", cfg.Port),
		"-U", cfg.Username,
		"-d", cfg.Database,
	}
	return args
}

func (a *Adapter) dump(ctx context.Context, cfg dbadapter.ConnConfig, objects []string, flag string) (string, error) {
	if len(objects) == 0 {
		return "", nil
	}

	args := append([]string{"--schema-only", "--no-owner", "--no-acl", "--schema=" + a.Schema}, connArgs(cfg)...)
	for _, o := range objects {
		args = append(args, flag, o)
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = connEnv(cfg)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &dbadapter.AdapterError{Op: "dump_schema", Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	return out.String(), nil
}

// DumpSchema invokes pg_dump restricted to tables, schema-only, with
// owner/ACL stripped. Returns "" when tables is empty.
func (a *Adapter) DumpSchema(ctx context.Context, cfg dbadapter.ConnConfig, tables []string) (string, error) {
	return a.dump(ctx, cfg, tables, "-t")
}

// DumpViewsSchema is DumpSchema restricted to views.
func (a *Adapter) DumpViewsSchema(ctx context.Context, cfg dbadapter.ConnConfig, views []string) (string, error) {
	return a.dump(ctx, cfg, views, "-t")
}

// ParseSQLStatements splits a pg_dump schema-only output into executable
// statements: blank lines, comment lines ("--"), session-level SET
// statements, and configuration-function calls (SELECT
// pg_catalog.set_config(...)) are dropped; continuation lines are joined
// until one ends in ';'; each returned statement is trimmed.
func (a *Adapter) ParseSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(sql))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if strings.HasPrefix(line, "SET ") || strings.HasPrefix(line, "SET\t") {
			continue
		}
		if strings.HasPrefix(line, "SELECT pg_catalog.set_config") {
			continue
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(line)

		if strings.HasSuffix(line, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}

	return statements
}

// CreateBackup pipes a gzip-compressed pg_dump of cfg's database into dir,
// returning the written path.
func (a *Adapter) CreateBackup(ctx context.Context, cfg dbadapter.ConnConfig, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}

	filename := fmt.Sprintf("db_backup_%s.sql.gz", time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, filename)

	args := append([]string{"--no-owner", "--no-acl", "--schema=" + a.Schema}, connArgs(cfg)...)
	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = connEnv(cfg)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := os.Create(path)
	if err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}
	defer out.Close()

	gz := gzip.NewWriter(out)

	if err := cmd.Start(); err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}

	if _, err := io.Copy(gz, stdout); err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}
	if err := gz.Close(); err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: err}
	}

	if err := cmd.Wait(); err != nil {
		return "", &dbadapter.AdapterError{Op: "create_backup", Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	return path, nil
}

// RestoreBackup pipes the gunzipped dump at path into cfg's database via
// psql. A line containing "ERROR:" without "already exists" on psql's
// output fails the restore with a RestoreError; other ERROR lines are
// ignored. Otherwise a non-zero psql exit is reported as an AdapterError.
func (a *Adapter) RestoreBackup(ctx context.Context, cfg dbadapter.ConnConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &dbadapter.AdapterError{Op: "restore_backup", Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &dbadapter.AdapterError{Op: "restore_backup", Err: err}
	}
	defer gz.Close()

	args := append([]string{"-v", "ON_ERROR_STOP=0"}, connArgs(cfg)...)
	cmd := exec.CommandContext(ctx, "psql", args...)
	cmd.Env = connEnv(cfg)
	cmd.Stdin = gz

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR:") && !strings.Contains(line, "already exists") {
			return &dbadapter.RestoreError{Line: line}
		}
	}

	if runErr != nil {
		return &dbadapter.AdapterError{Op: "restore_backup", Err: runErr}
	}

	return nil
}

// Package schemapipeline dumps the source schema in section-scoped
// archives, filters the restore table-of-contents against objects this run
// already built itself, and applies the remainder to the target, driving
// pg_dump/pg_restore via os/exec.
package schemapipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// Config holds the external dumper/restorer binaries and behavior flags.
type Config struct {
	DumpBin        string
	RestoreBin     string
	DropIfExists   bool
	SkipExtensions bool
}

func (c Config) dumpBin() string {
	if c.DumpBin == "" {
		return "pg_dump"
	}
	return c.DumpBin
}

func (c Config) restoreBin() string {
	if c.RestoreBin == "" {
		return "pg_restore"
	}
	return c.RestoreBin
}

// Pipeline runs the dump/restore phases against a source DSN (plain,
// non-replication connection) and a destination pool, backed by the
// fetched catalog.
type Pipeline struct {
	sourceDSN string
	destDSN   string
	dst       *pgxpool.Pool
	store     *catalog.Store
	run       workdir.KeyRunStore
	paths     *workdir.Paths
	cfg       Config
	logger    zerolog.Logger
}

// NewPipeline creates a schema Pipeline.
func NewPipeline(sourceDSN, destDSN string, dst *pgxpool.Pool, store *catalog.Store, run workdir.KeyRunStore, paths *workdir.Paths, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		sourceDSN: sourceDSN,
		destDSN:   destDSN,
		dst:       dst,
		store:     store,
		run:       run,
		paths:     paths,
		cfg:       cfg,
		logger:    logger.With().Str("component", "schemapipeline").Logger(),
	}
}

func sectionDoneKey(section string) string { return "schema-dump." + section }

func archivePath(paths *workdir.Paths, section string) (string, error) {
	switch section {
	case "pre-data":
		return paths.PreDataDump(), nil
	case "post-data":
		return paths.PostDataDump(), nil
	default:
		return "", fmt.Errorf("schemapipeline: unknown section %q", section)
	}
}

func filteredListPath(paths *workdir.Paths, section string) (string, error) {
	switch section {
	case "pre-data":
		return paths.PreDataFilteredList(), nil
	case "post-data":
		return paths.PostDataFilteredList(), nil
	default:
		return "", fmt.Errorf("schemapipeline: unknown section %q", section)
	}
}

// DumpSourceSchema invokes pg_dump with --section=<section>, producing a
// custom-format archive. When snapshotID is non-empty the dump runs under
// that exported snapshot, so the schema matches what the table-copy workers
// see. A pre-existing done marker for the section short-circuits the dump.
func (p *Pipeline) DumpSourceSchema(ctx context.Context, section, snapshotID string) error {
	doneKey := sectionDoneKey(section)
	if p.run.IsDoneKey(doneKey) {
		p.logger.Debug().Str("section", section).Msg("schema dump already done, skipping")
		return nil
	}

	archive, err := archivePath(p.paths, section)
	if err != nil {
		return err
	}

	args := []string{
		"--section=" + section,
		"--format=custom",
		"--no-owner",
		"--no-privileges",
		"--file=" + archive,
	}
	if snapshotID != "" {
		args = append(args, "--snapshot="+snapshotID)
	}
	args = append(args, p.sourceDSN)
	cmd := exec.CommandContext(ctx, p.cfg.dumpBin(), args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	p.logger.Info().Str("section", section).Str("archive", archive).Msg("dumping source schema")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_dump --section=%s: %w: %s", section, err, stderr.String())
	}

	return p.run.MarkDoneKey(doneKey)
}

// tocEntry is one parsed line of `pg_restore --list` output.
type tocEntry struct {
	raw       string
	dumpID    string
	objOID    uint32
	desc      string
	namespace string
	name      string
}

func (e tocEntry) restoreName() string {
	if e.namespace == "" {
		return e.name
	}
	return e.namespace + "." + e.name
}

// parseTOCLine parses one non-comment line of `pg_restore --list` output:
// "<dumpId>; <catalogOID> <objOID> <DESC> [<namespace>] <name> <owner>".
// Non-namespaced object kinds (SCHEMA, EXTENSION, DATABASE, ACL) get an
// empty namespace; a "-" placeholder in the namespace field is skipped.
var namespacedKinds = map[string]bool{
	"TABLE": true, "SEQUENCE": true, "SEQUENCE OWNED BY": true,
	"INDEX": true, "CONSTRAINT": true, "FK CONSTRAINT": true,
	"VIEW": true, "MATERIALIZED VIEW": true, "TRIGGER": true,
	"RULE": true, "DEFAULT": true, "COMMENT": true,
}

func parseTOCLine(line string) (tocEntry, bool) {
	semi := strings.Index(line, ";")
	if semi < 0 {
		return tocEntry{}, false
	}
	dumpID := strings.TrimSpace(line[:semi])
	rest := strings.Fields(line[semi+1:])
	if len(rest) < 4 {
		return tocEntry{}, false
	}

	objOID64, err := strconv.ParseUint(rest[1], 10, 32)
	if err != nil {
		return tocEntry{}, false
	}

	// rest[2:] is "<DESC words...> [namespace] name owner"; DESC may itself
	// contain spaces (e.g. "FK CONSTRAINT", "SEQUENCE OWNED BY"), so match
	// the longest known multi-word kind first.
	remainder := rest[2:]
	desc := ""
	for _, kind := range []string{"SEQUENCE OWNED BY", "FK CONSTRAINT", "MATERIALIZED VIEW"} {
		words := strings.Fields(kind)
		if len(remainder) >= len(words)+2 && strings.Join(remainder[:len(words)], " ") == kind {
			desc = kind
			remainder = remainder[len(words):]
			break
		}
	}
	if desc == "" {
		if len(remainder) < 3 {
			return tocEntry{}, false
		}
		desc = remainder[0]
		remainder = remainder[1:]
	}

	var namespace, name string
	if namespacedKinds[desc] && len(remainder) >= 2 {
		namespace = remainder[0]
		name = remainder[1]
	} else if len(remainder) >= 2 && remainder[0] == "-" {
		name = remainder[1]
	} else if len(remainder) >= 1 {
		name = remainder[0]
	}

	return tocEntry{raw: line, dumpID: dumpID, objOID: uint32(objOID64), desc: desc, namespace: namespace, name: name}, true
}

// WriteRestoreList reads the archive's table of contents via
// `pg_restore --list` and writes a filtered copy (unwanted entries commented
// out with a leading ";", pg_restore's own convention for --use-list) to
// paths.{Pre,Post}DataFilteredList. Returns the filtered list's path.
func (p *Pipeline) WriteRestoreList(ctx context.Context, section string) (string, error) {
	archive, err := archivePath(p.paths, section)
	if err != nil {
		return "", err
	}
	listPath, err := filteredListPath(p.paths, section)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, p.cfg.restoreBin(), "--list", archive)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("pg_restore --list %s: %s", archive, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("pg_restore --list %s: %w", archive, err)
	}

	f, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("create filtered list %s: %w", listPath, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	kept, skipped := 0, 0
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			fmt.Fprintln(w, line)
			continue
		}

		entry, ok := parseTOCLine(line)
		if !ok {
			fmt.Fprintln(w, line)
			continue
		}

		skip, err := p.shouldSkip(ctx, entry)
		if err != nil {
			return "", err
		}
		if skip {
			fmt.Fprintln(w, "; "+line)
			skipped++
			continue
		}
		fmt.Fprintln(w, line)
		kept++
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", err
	}

	p.logger.Info().Str("section", section).Int("kept", kept).Int("skipped", skipped).Msg("filtered restore list")
	return listPath, nil
}

// shouldSkip implements the filtering contract: already built by this run
// (done marker), user/catalog filtered, an extension comment while extension
// handling is disabled, or a schema that already exists on the target.
// Sequences are matched by OID only, never by restore name.
func (p *Pipeline) shouldSkip(ctx context.Context, e tocEntry) (bool, error) {
	if p.run.IsDoneKey(fmt.Sprintf("%d", e.objOID)) || p.run.IsDoneKey(fmt.Sprintf("%d.constraint", e.objOID)) {
		return true, nil
	}

	restoreName := e.restoreName()
	isSequence := e.desc == "SEQUENCE" || e.desc == "SEQUENCE OWNED BY"
	if isSequence {
		restoreName = ""
	}
	filtered, err := p.store.ObjectIDIsFilteredOut(ctx, e.objOID, restoreName)
	if err != nil {
		return false, fmt.Errorf("check filter for oid %d: %w", e.objOID, err)
	}
	if filtered {
		return true, nil
	}

	if p.cfg.SkipExtensions && e.desc == "COMMENT" && strings.Contains(e.raw, "EXTENSION") {
		return true, nil
	}

	if e.desc == "SCHEMA" {
		exists, err := p.schemaExistsOnTarget(ctx, e.name)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}

	return false, nil
}

func (p *Pipeline) schemaExistsOnTarget(ctx context.Context, name string) (bool, error) {
	var n int
	err := p.dst.QueryRow(ctx, "SELECT count(*) FROM pg_namespace WHERE nspname = $1", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check schema %s exists: %w", name, err)
	}
	return n > 0, nil
}

// TargetPrepareSchema applies copied database/role configuration, optionally
// drops every retained table, then restores the pre-data archive through a
// filtered restore list.
func (p *Pipeline) TargetPrepareSchema(ctx context.Context) error {
	if err := p.CopyDatabaseProperties(ctx); err != nil {
		return err
	}
	if p.cfg.DropIfExists {
		if err := p.TargetDropTables(ctx); err != nil {
			return err
		}
	}
	return p.restoreSection(ctx, "pre-data")
}

// TargetFinalizeSchema restores the post-data archive (indexes and
// constraints this run did not already build itself, plus triggers, rules,
// and views) through a filtered restore list.
func (p *Pipeline) TargetFinalizeSchema(ctx context.Context) error {
	return p.restoreSection(ctx, "post-data")
}

func (p *Pipeline) restoreSection(ctx context.Context, section string) error {
	archive, err := archivePath(p.paths, section)
	if err != nil {
		return err
	}
	listPath, err := p.WriteRestoreList(ctx, section)
	if err != nil {
		return err
	}

	args := []string{
		"--use-list=" + listPath,
		"--no-owner",
		"--no-privileges",
		"--dbname=" + p.destDSN,
		archive,
	}
	cmd := exec.CommandContext(ctx, p.cfg.restoreBin(), args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	p.logger.Info().Str("section", section).Msg("restoring schema section")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_restore --section=%s: %w: %s", section, err, stderr.String())
	}
	return nil
}

// dbProperty is one ALTER DATABASE/ALTER ROLE ... SET configuration entry
// copied from the source.
type dbProperty struct {
	role    string // "" applies to every role (plain ALTER DATABASE ... SET)
	dbname  string
	setting string
}

// CopyDatabaseProperties copies ALTER DATABASE/ALTER ROLE ... IN DATABASE
// ... SET configuration from the source onto the destination, ahead of any
// table DDL.
func (p *Pipeline) CopyDatabaseProperties(ctx context.Context) error {
	src, err := pgxpool.New(ctx, p.sourceDSN)
	if err != nil {
		return fmt.Errorf("connect to source for db properties: %w", err)
	}
	defer src.Close()

	rows, err := src.Query(ctx, `
		SELECT coalesce(r.rolname, ''), d.datname, unnest(s.setconfig)
		FROM pg_db_role_setting s
		JOIN pg_database d ON d.oid = s.setdatabase
		LEFT JOIN pg_roles r ON r.oid = s.setrole
		WHERE d.datname = current_database()`)
	if err != nil {
		return fmt.Errorf("query db role settings: %w", err)
	}
	defer rows.Close()

	var props []dbProperty
	for rows.Next() {
		var prop dbProperty
		if err := rows.Scan(&prop.role, &prop.dbname, &prop.setting); err != nil {
			return err
		}
		props = append(props, prop)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, prop := range props {
		kv := strings.SplitN(prop.setting, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]

		var stmt string
		if prop.role == "" {
			stmt = fmt.Sprintf("ALTER DATABASE %s SET %s = %s", quoteIdent(prop.dbname), quoteIdent(key), quoteLiteral(val))
		} else {
			stmt = fmt.Sprintf("ALTER ROLE %s IN DATABASE %s SET %s = %s",
				quoteIdent(prop.role), quoteIdent(prop.dbname), quoteIdent(key), quoteLiteral(val))
		}
		if _, err := p.dst.Exec(ctx, stmt); err != nil {
			if isDuplicateObjectErr(err) {
				continue
			}
			return fmt.Errorf("apply database property %q: %w", stmt, err)
		}
	}

	p.logger.Info().Int("count", len(props)).Msg("copied database properties")
	return nil
}

// TargetDropTables issues a single DROP TABLE IF EXISTS ... CASCADE covering
// every retained table, for a clean --restart-style rebuild onto an
// existing target schema.
func (p *Pipeline) TargetDropTables(ctx context.Context) error {
	var names []string
	if err := p.store.IterTables(ctx, func(t catalog.SourceTable) error {
		names = append(names, quoteQualifiedName(t.Schema, t.Name))
		return nil
	}); err != nil {
		return fmt.Errorf("list retained tables: %w", err)
	}
	if len(names) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", strings.Join(names, ", "))
	if _, err := p.dst.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop target tables: %w", err)
	}
	p.logger.Info().Int("tables", len(names)).Msg("dropped target tables")
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42P16", "42710":
			return true
		}
	}
	return false
}

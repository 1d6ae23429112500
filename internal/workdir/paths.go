// Package workdir manages the on-disk run directory: stable paths for the
// schema dump, the catalog snapshot, per-object lock/done markers and the
// CDC segment files, plus the main PID file that blocks a second concurrent
// run. Every path a clone+CDC run touches on disk is derived here, so the
// layout stays in one place.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths exposes every stable path under one run's work directory.
type Paths struct {
	Root string
}

// Init resolves the work directory, optionally wiping it (restart) or
// requiring it to already exist (resume), and ensures every
// subdirectory exists.
//
// If dir is empty it is derived from the OS temp root plus a fixed product
// name, scoped by service so a clone run and a standalone CDC run over the
// same source don't collide.
func Init(dir string, restart, resume bool, service string) (*Paths, error) {
	if restart && resume {
		return nil, fmt.Errorf("workdir: restart and resume are mutually exclusive")
	}

	if dir == "" {
		name := "pgcdb"
		if service != "" {
			name = "pgcdb-" + service
		}
		dir = filepath.Join(os.TempDir(), name)
	}

	p := &Paths{Root: dir}

	info, statErr := os.Stat(dir)
	exists := statErr == nil && info.IsDir()

	switch {
	case restart && exists:
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("workdir: remove for restart: %w", err)
		}
		exists = false
	case resume && !exists:
		return nil, fmt.Errorf("workdir: --resume given but %s does not exist", dir)
	}

	for _, d := range []string{
		p.Root,
		p.SchemaDir(),
		p.RunDir(),
		p.CDCDir(),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("workdir: mkdir %s: %w", d, err)
		}
	}

	return p, nil
}

func (p *Paths) PIDFile() string            { return filepath.Join(p.Root, "pgcopydb.pid") }
func (p *Paths) AuxPIDFile(name string) string { return filepath.Join(p.Root, name+".pid") }

func (p *Paths) SnapshotFile() string { return filepath.Join(p.Root, "snapshot") }

// RolesDumpFile is the pg_dumpall --globals-only output used by the optional
// roles phase.
func (p *Paths) RolesDumpFile() string { return filepath.Join(p.Root, "roles.sql") }

func (p *Paths) SchemaDir() string         { return filepath.Join(p.Root, "schema") }
func (p *Paths) PreDataDump() string       { return filepath.Join(p.SchemaDir(), "pre.dump") }
func (p *Paths) PostDataDump() string      { return filepath.Join(p.SchemaDir(), "post.dump") }
func (p *Paths) PreDataFilteredList() string  { return filepath.Join(p.SchemaDir(), "pre-filtered.list") }
func (p *Paths) PostDataFilteredList() string { return filepath.Join(p.SchemaDir(), "post-filtered.list") }
func (p *Paths) SchemaJSON() string        { return filepath.Join(p.Root, "schema.json") }
func (p *Paths) CatalogDB() string         { return filepath.Join(p.Root, "catalog.db") }

// StateFile is where metrics.StatePersister writes the live Snapshot so a
// separate "status"/"tui" invocation can read progress out of process.
func (p *Paths) StateFile() string { return filepath.Join(p.Root, "state.json") }

func (p *Paths) RunDir() string { return filepath.Join(p.Root, "run") }

// RunLock returns the lock-file path for the unit of work identified by oid.
func (p *Paths) RunLock(oid uint32) string {
	return p.KeyLock(fmt.Sprintf("%d", oid))
}

// RunDone returns the done-marker path for the unit of work identified by oid.
func (p *Paths) RunDone(oid uint32) string {
	return p.KeyDone(fmt.Sprintf("%d", oid))
}

// KeyLock returns the lock-file path for a unit of work identified by an
// arbitrary string key, for units that aren't a single OID: a table
// partition ("<oid>.<part>"), a dump section ("pre-data"), or a constraint
// build ("<oid>.constraints").
func (p *Paths) KeyLock(key string) string {
	return filepath.Join(p.RunDir(), key)
}

// KeyDone returns the done-marker path for the same keyed unit of work.
func (p *Paths) KeyDone(key string) string {
	return filepath.Join(p.RunDir(), key+".done")
}

func (p *Paths) CDCDir() string       { return filepath.Join(p.Root, "cdc") }
func (p *Paths) CDCOrigin() string    { return filepath.Join(p.CDCDir(), "origin") }
func (p *Paths) CDCSlot() string      { return filepath.Join(p.CDCDir(), "slot") }
func (p *Paths) CDCTLI() string       { return filepath.Join(p.CDCDir(), "tli") }
func (p *Paths) CDCTLIHistory() string { return filepath.Join(p.CDCDir(), "tli.history") }
func (p *Paths) CDCWALSegmentSize() string { return filepath.Join(p.CDCDir(), "wal_segment_size") }
func (p *Paths) CDCLSNJSON() string   { return filepath.Join(p.CDCDir(), "lsn.json") }
func (p *Paths) CDCLatestLink() string { return filepath.Join(p.CDCDir(), "latest") }

// CDCSegment returns the path of a received/transformed CDC segment file.
// ext is "json" for the raw received stream or "sql" for the transformed
// output; ext must not include the leading dot.
func (p *Paths) CDCSegment(tli uint32, startLSN string, ext string) string {
	safeLSN := sanitizeLSNForFilename(startLSN)
	return filepath.Join(p.CDCDir(), fmt.Sprintf("%d-%s.%s", tli, safeLSN, ext))
}

// sanitizeLSNForFilename replaces the "/" in an "X/X"-formatted LSN with "_"
// so it is safe as a path component.
func sanitizeLSNForFilename(lsn string) string {
	out := make([]byte, len(lsn))
	for i := 0; i < len(lsn); i++ {
		if lsn[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = lsn[i]
		}
	}
	return string(out)
}

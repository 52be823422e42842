package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/tianyk/beansdb-research/internal/config"
	"github.com/tianyk/beansdb-research/internal/fs"
	"github.com/tianyk/beansdb-research/internal/hint"
	"github.com/tianyk/beansdb-research/internal/index"
	"github.com/tianyk/beansdb-research/internal/mfile"
)

// ErrArgs is returned when a command gets the wrong positional arguments.
var ErrArgs = errors.New("wrong arguments")

// hintSuffixes are the file names recovery picks up from the hint dir.
var hintSuffixes = []string{".hint", ".hint" + hint.CompressedSuffix}

// indexShards is the shard count of the recovered key index.
const indexShards = 64

// app carries what every command needs once config is loaded.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	fsys   fs.FS
	mapper *mfile.Manager
}

func newApp(cfg *config.Config, logger *zap.Logger) *app {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &app{cfg: cfg, log: logger, fsys: fs.NewReal()}

	if cfg != nil {
		a.mapper = mfile.NewManager(mfile.Options{
			FS:        a.fsys,
			CeilingMB: cfg.MmapCeilingMB,
			ExemptMB:  cfg.MmapExemptMB,
			Logger:    logger,
		})
	}

	return a
}

// commands returns every beansd command in help order.
func (a *app) commands() []*Command {
	return []*Command{
		ServeCmd(a),
		ScanCmd(a),
		AuditCmd(a),
		DumpCmd(a),
		ConvertCmd(a),
		BuildCmd(a),
		PrintConfigCmd(a.cfg),
	}
}

// codec returns a hint codec whose corruption hook only records the
// failure; commands report it through their error return.
func (a *app) codec() *hint.Codec {
	c := hint.NewCodec(a.fsys, a.mapper, a.log)
	c.OnCorrupt = func(string, error) {}

	return c
}

// abs resolves path against the effective working directory.
func (a *app) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(a.cfg.EffectiveCwd, path)
}

// hintFiles lists the hint files in dir, sorted by name. A missing dir has
// no hint files.
func (a *app) hintFiles(dir string) ([]string, error) {
	exists, err := a.fsys.Exists(dir)
	if err != nil {
		return nil, fmt.Errorf("hint dir %q: %w", dir, err)
	}

	if !exists {
		return nil, nil
	}

	entries, err := a.fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("hint dir %q: %w", dir, err)
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		for _, suffix := range hintSuffixes {
			if strings.HasSuffix(e.Name(), suffix) {
				paths = append(paths, filepath.Join(dir, e.Name()))

				break
			}
		}
	}

	slices.Sort(paths)

	return paths, nil
}

// recovery is the outcome of replaying a set of hint files.
type recovery struct {
	idx       *index.Map
	files     int
	records   int
	truncated []string
}

// recoverIndex replays paths in order into a fresh index. If rewriteDir is
// not empty every file is also rewritten there under its own name. perFile,
// if not nil, sees the stats of every file.
func (a *app) recoverIndex(ctx context.Context, paths []string, rewriteDir string, perFile func(path string, st hint.ScanStats)) (recovery, error) {
	rec := recovery{idx: index.New(indexShards)}
	scanner := hint.NewScanner(a.codec(), a.log)

	for _, path := range paths {
		newPath := ""
		if rewriteDir != "" {
			newPath = filepath.Join(rewriteDir, filepath.Base(path))
		}

		st, err := scanner.Scan(ctx, rec.idx, a.cfg.Bucket, path, newPath)
		if err != nil {
			return rec, err
		}

		rec.files++
		rec.records += st.Records

		if st.Truncated {
			rec.truncated = append(rec.truncated, path)
		}

		if perFile != nil {
			perFile(path, st)
		}
	}

	return rec, nil
}

func (a *app) warnTruncated(o *IO, paths []string) {
	for _, path := range paths {
		o.Warn("hint file truncated: "+path, "records after the cut were ignored; rebuild it with 'beansd build'")
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/pakcache/internal/config"
	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
	"github.com/calvinalkan/pakcache/pkg/storage"
)

// app carries what every command needs: resolved config, logger and the
// filesystem. Caches are built per command.
type app struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	fsys fs.FS
	reg  *prometheus.Registry
	in   io.Reader
}

func newLogger(w io.Writer, level zapcore.Level) *zap.SugaredLogger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)

	return zap.New(core).Sugar()
}

// path resolves p against the effective working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(a.cfg.EffectiveCwd, p)
}

// session is an open cache plus the signatures it verifies with.
type session struct {
	*app

	cache *pakcache.Cache
	sigs  *pak.SignatureSet
	key   []byte
}

func (a *app) openSession() (*session, error) {
	key, err := a.cfg.Key(a.fsys)
	if err != nil {
		return nil, err
	}

	var dev storage.Device = storage.NewFileDevice(a.fsys)
	if a.cfg.Device == config.DeviceMmap {
		dev = storage.NewMmapDevice()
	}

	s := &session{app: a, key: key}

	opts := &pakcache.Options{
		Device:              dev,
		Granularity:         a.cfg.Granularity,
		MaxBlockSize:        a.cfg.MaxBlockSize,
		MaxOutstandingReads: a.cfg.MaxOutstandingReads,
		MemoryBudget:        a.cfg.MemoryBudget,
		MaxReadAttempts:     a.cfg.MaxReadAttempts,
		Logger:              a.log.Named("cache"),
		Registerer:          a.reg,
	}

	if a.cfg.Verify {
		s.sigs = pak.NewSignatureSet()
		opts.Verifier = s.sigs
	}

	s.cache, err = pakcache.New(opts)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// open opens the archive at p, loading its signature sidecar when
// verification is on. A missing sidecar is a warning, not an error.
func (s *session) open(ctx context.Context, o *IO, p string) (*pak.Reader, error) {
	p = s.path(p)

	if s.sigs != nil {
		sig, err := pak.LoadSignatures(s.fsys, p)

		switch {
		case errors.Is(err, os.ErrNotExist):
			o.Warn("no signatures for "+p, "blocks are not verified; rebuild with 'paktool pack' to create "+pak.SignaturePath(p))
		case err != nil:
			return nil, err
		case sig.Chunk > s.cfg.Granularity || s.cfg.Granularity%sig.Chunk != 0:
			return nil, fmt.Errorf("signatures of %s use %d byte chunks, incompatible with granularity %d", p, sig.Chunk, s.cfg.Granularity)
		default:
			s.sigs.Add(p, sig)
		}
	}

	return pak.Open(ctx, s.cache, p, &pak.ReaderOptions{Key: s.key, Logger: s.log.Named("pak")})
}

func (s *session) close() error {
	return s.cache.Close()
}

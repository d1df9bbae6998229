package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/matzehuels/osfexport/pkg/errors"
)

// write encodes every output into a temporary file next to its final
// path. Only when all of them succeeded are they renamed to their final
// names; on any failure every temporary and already renamed file is
// removed. A Dest naming a file replaces the generated name of a single
// output.
func (r *Runner) write(ctx context.Context, req Request, outputs []Output) (_ []string, size int64, err error) {
	dir := req.Dest
	if file, ok := req.destFile(); ok && len(outputs) == 1 {
		dir = filepath.Dir(file)
		outputs[0].Name = filepath.Base(file)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, errors.Wrap(errors.ErrCodeRender, err, "create output directory")
	}
	for _, out := range outputs {
		if err := errors.ValidateOutputName(out.Name); err != nil {
			return nil, 0, err
		}
	}

	var temps, written []string
	defer func() {
		if err == nil {
			return
		}
		for _, p := range append(temps, written...) {
			os.Remove(p)
		}
	}()

	for _, out := range outputs {
		tmp, err := r.encodeTemp(ctx, dir, req, out)
		if tmp != "" {
			temps = append(temps, tmp)
		}
		if err != nil {
			return nil, 0, err
		}
	}

	for i, out := range outputs {
		info, err := os.Stat(temps[i])
		if err != nil {
			return nil, 0, errors.Wrap(errors.ErrCodeRender, err, "stat %s", out.Name)
		}
		size += info.Size()
		path := filepath.Join(dir, out.Name)
		if err := os.Rename(temps[i], path); err != nil {
			return nil, 0, errors.Wrap(errors.ErrCodeRender, err, "move %s into place", out.Name)
		}
		written = append(written, path)
	}
	return written, size, nil
}

// encodeTemp writes one output to a new temporary file and returns its
// path. The path is returned even on failure so the caller can clean up.
func (r *Runner) encodeTemp(ctx context.Context, dir string, req Request, out Output) (string, error) {
	tmp, err := os.CreateTemp(dir, ".osfexport-*.tmp")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeRender, err, "create temporary file")
	}
	if err := r.Encode(ctx, tmp, out.Document, req); err != nil {
		tmp.Close()
		return tmp.Name(), err
	}
	if err := tmp.Close(); err != nil {
		return tmp.Name(), errors.Wrap(errors.ErrCodeRender, err, "close %s", out.Name)
	}
	return tmp.Name(), nil
}

package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/config"
)

func newWatchCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Re-purify scripts under dir whenever they change",
		Long: "Watch purifies every *.sh file under dir, then again each time one is written.\n" +
			"With --out the results mirror dir's layout there; otherwise they go to stdout.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			excl, err := cfg.Excluder()
			if err != nil {
				return err
			}
			w, err := newWatcher(a, opts, args[0], out, excl)
			if err != nil {
				return err
			}
			return w.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "directory receiving purified copies")
	return cmd
}

type watcher struct {
	app  *app
	opts shellpure.Options
	root string
	out  string
	excl *config.Excluder

	fs       *fsnotify.Watcher
	debounce time.Duration
	ready    chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newWatcher(a *app, opts shellpure.Options, root, out string, excl *config.Excluder) (*watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if out != "" {
		if out, err = filepath.Abs(out); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = a.logger
	}
	return &watcher{
		app:      a,
		opts:     opts,
		root:     root,
		out:      out,
		excl:     excl,
		debounce: 200 * time.Millisecond,
		ready:    make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// run purifies everything once, then follows changes until ctx is done.
func (w *watcher) run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fs = fsw
	defer w.stop()

	var initial []string
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if w.skip(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		if isScript(path) {
			initial = append(initial, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	for _, path := range initial {
		w.purify(path)
	}
	w.app.logger.Info("watching", "dir", w.root, "scripts", len(initial))
	close(w.ready)

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.app.logger.Warn("watch error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || w.skip(event.Name) {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(event.Name); err != nil {
				w.app.logger.Warn("watch error", "dir", event.Name, "error", err)
			}
			return
		}
	}
	if isScript(event.Name) {
		w.schedule(event.Name)
	}
}

// skip reports whether path is excluded or lies in the output directory.
func (w *watcher) skip(path string) bool {
	if w.out != "" && (path == w.out || strings.HasPrefix(path, w.out+string(filepath.Separator))) {
		return true
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	return w.excl.Match(rel)
}

// schedule coalesces bursts of writes to one purification per path.
func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.purify(path)
		}
	})
	w.pending[path] = t
}

func (w *watcher) purify(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.app.logger.Warn("read script", "path", path, "error", err)
		return
	}
	res := shellpure.PurifySource(path, string(data), w.opts)
	if res.Err != nil {
		w.app.printFailure(shellpure.Source{Name: path, Text: string(data)}, res)
		return
	}
	if w.out == "" {
		w.app.mu.Lock()
		defer w.app.mu.Unlock()
		fmt.Fprintf(w.app.stdout, "==> %s <==\n%s", path, res.Purified)
		return
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		w.app.logger.Warn("write purified", "path", path, "error", err)
		return
	}
	dst := filepath.Join(w.out, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		w.app.logger.Warn("write purified", "path", dst, "error", err)
		return
	}
	if err := os.WriteFile(dst, []byte(res.Purified), 0o755); err != nil {
		w.app.logger.Warn("write purified", "path", dst, "error", err)
	}
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	_ = w.fs.Close()
}

package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/fsnotify/fsnotify"
)

// Directory serves the files under an OS directory as resources. Reads are
// confined to the directory, symlinks included. When watching is enabled,
// file creation, removal and rename send resources/list_changed to sessions
// that were promised it, and writes send resources/updated to sessions
// subscribed to the file.
type Directory struct {
	srv     *Server
	root    string
	baseURI string
	watch   bool
	log     *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Session]struct{}

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// DirectoryOption configures AddDirectory.
type DirectoryOption func(*Directory)

// WithBaseURI sets the URI prefix of the resources. Default "file://<root>".
func WithBaseURI(base string) DirectoryOption {
	return func(d *Directory) { d.baseURI = strings.TrimRight(base, "/") }
}

// WithWatch enables or disables the fsnotify watcher. Enabled by default.
func WithWatch(enabled bool) DirectoryOption {
	return func(d *Directory) { d.watch = enabled }
}

// AddDirectory exposes root as resources and installs the resources/list,
// resources/read, resources/subscribe and resources/unsubscribe handlers. The
// watcher stops when ctx ends or Close is called.
func (s *Server) AddDirectory(ctx context.Context, root string, opts ...DirectoryOption) (*Directory, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	d := &Directory{
		srv:     s,
		root:    real,
		baseURI: "file://" + filepath.ToSlash(real),
		watch:   true,
		log:     s.log,
		subs:    make(map[string]map[*Session]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("fsnotify: %w", err)
		}
		if err := d.addDirs(w); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", real, err)
		}
		d.watcher = w
		go d.run(ctx)
	} else {
		close(d.done)
	}

	s.ListResources(func(ctx context.Context, _ *session.RequestContext, _ *mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
		res, err := d.List(ctx)
		if err != nil {
			return nil, err
		}
		return &mcp.ListResourcesResult{Resources: res}, nil
	})
	s.ReadResource(func(ctx context.Context, _ *session.RequestContext, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		c, err := d.Read(req.URI)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{c}}, nil
	})
	s.SubscribeResource(func(ctx context.Context, rc *session.RequestContext, uri string) error {
		sess, ok := rc.Session.(*Session)
		if !ok {
			return session.NewRequestError(jsonrpc.ErrorCodeInternalError, "subscriptions need a server session", nil)
		}
		if _, ok := d.uriToRel(uri); !ok {
			return notFound(uri)
		}
		d.subscribe(sess, uri)
		return nil
	})
	s.UnsubscribeResource(func(ctx context.Context, rc *session.RequestContext, uri string) error {
		if sess, ok := rc.Session.(*Session); ok {
			d.unsubscribe(sess, uri)
		}
		return nil
	})
	return d, nil
}

// Root returns the resolved directory path.
func (d *Directory) Root() string { return d.root }

// Close stops the watcher.
func (d *Directory) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.watcher != nil {
			err = d.watcher.Close()
			<-d.done
		}
	})
	return err
}

// List returns every regular file under the root, sorted by URI.
func (d *Directory) List(ctx context.Context) ([]mcp.Resource, error) {
	fsys := os.DirFS(d.root)
	out := []mcp.Resource{}
	err := fs.WalkDir(fsys, ".", func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.IsDir() || e.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out = append(out, mcp.Resource{
			URI:      d.relToURI(p),
			Name:     path.Base(p),
			MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(p))),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// Read returns the contents of the file behind uri.
func (d *Directory) Read(uri string) (mcp.ResourceContents, error) {
	rel, ok := d.uriToRel(uri)
	if !ok {
		return mcp.ResourceContents{}, notFound(uri)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(d.root, filepath.FromSlash(rel)))
	if err != nil || !within(real, d.root) {
		return mcp.ResourceContents{}, notFound(uri)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mcp.ResourceContents{}, notFound(uri)
		}
		return mcp.ResourceContents{}, fmt.Errorf("read %s: %w", uri, err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return mcp.ResourceContents{URI: uri, MimeType: mt, Text: string(data)}, nil
	}
	return mcp.ResourceContents{URI: uri, MimeType: mt, Blob: base64.StdEncoding.EncodeToString(data)}, nil
}

func notFound(uri string) error {
	return session.NewRequestError(jsonrpc.ErrorCodeInvalidParams, "resource not found: "+uri, map[string]string{"uri": uri})
}

func (d *Directory) subscribe(sess *Session, uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subs[uri]
	if !ok {
		set = make(map[*Session]struct{})
		d.subs[uri] = set
	}
	set[sess] = struct{}{}
}

func (d *Directory) unsubscribe(sess *Session, uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[uri]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(d.subs, uri)
		}
	}
}

func (d *Directory) subscribers(uri string) []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Session
	for sess := range d.subs[uri] {
		if sess.State() == session.StateClosed {
			delete(d.subs[uri], sess)
			continue
		}
		out = append(out, sess)
	}
	return out
}

func (d *Directory) addDirs(w *fsnotify.Watcher) error {
	return filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil || !e.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}

func (d *Directory) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			_ = d.watcher.Close()
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.DebugContext(ctx, "server.directory.watch_error", slog.String("err", err.Error()))
		}
	}
}

func (d *Directory) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = d.watcher.Add(ev.Name)
		}
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		d.log.DebugContext(ctx, "server.directory.list_changed", slog.String("path", ev.Name))
		d.srv.NotifyResourceListChanged(ctx)
	}
	if ev.Has(fsnotify.Write) {
		rel, err := filepath.Rel(d.root, ev.Name)
		if err != nil || !within(ev.Name, d.root) {
			return
		}
		uri := d.relToURI(filepath.ToSlash(rel))
		for _, sess := range d.subscribers(uri) {
			if err := sess.SendResourceUpdated(ctx, uri); err != nil {
				d.log.DebugContext(ctx, "server.directory.update_failed",
					slog.String("uri", uri), slog.String("err", err.Error()))
			}
		}
	}
}

func (d *Directory) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return d.baseURI + "/" + strings.Join(segs, "/")
}

func (d *Directory) uriToRel(uri string) (string, bool) {
	base := d.baseURI + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || !fs.ValidPath(rel) {
		return "", false
	}
	return rel, true
}

// within reports whether target is root or below it.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

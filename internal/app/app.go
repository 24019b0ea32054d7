// Package app mounts the frontend application into its host document and
// serves the result together with the frontend's static assets.
package app

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrMountPointMissing is returned when the host document has no element
	// with the mount id.
	ErrMountPointMissing = errors.New("mount point not found in host document")
	// ErrDuplicateMountPoint is returned when more than one element carries the mount id.
	ErrDuplicateMountPoint = errors.New("mount point id is not unique in host document")
)

// MountOptions names the host document, the mount point and the global stylesheet.
type MountOptions struct {
	// Entry is the host document path inside the frontend root. Defaults to index.html.
	Entry string
	// MountID is the id of the element the application attaches to. Defaults to "app".
	MountID string
	// Stylesheet is an optional path, inside the frontend root, applied to
	// the whole document.
	Stylesheet string
}

func (o MountOptions) withDefaults() MountOptions {
	if o.Entry == "" {
		o.Entry = "index.html"
	}
	if o.MountID == "" {
		o.MountID = "app"
	}
	o.Entry = strings.TrimPrefix(path.Clean("/"+o.Entry), "/")
	if o.Stylesheet != "" {
		o.Stylesheet = strings.TrimPrefix(path.Clean("/"+o.Stylesheet), "/")
	}
	return o
}

// Application is a mounted frontend. It serves the prepared host document
// for the root and for client-side routes, and static files for everything
// else that exists under the frontend root.
type Application struct {
	fsys       fs.FS
	opts       MountOptions
	fileServer http.Handler
	shell      atomic.Pointer[shell]
}

type shell struct {
	body    []byte
	modTime time.Time
}

// Mount prepares the host document in fsys and returns the attached
// application. It fails, without producing an Application, when the
// document or stylesheet is missing or the mount point is not present
// exactly once.
func Mount(fsys fs.FS, opts MountOptions) (*Application, error) {
	opts = opts.withDefaults()

	s, err := prepareShell(fsys, opts)
	if err != nil {
		return nil, err
	}

	a := &Application{
		fsys:       fsys,
		opts:       opts,
		fileServer: http.FileServer(http.FS(fsys)),
	}
	a.shell.Store(s)
	return a, nil
}

// Options returns the effective mount options.
func (a *Application) Options() MountOptions {
	return a.opts
}

// Shell returns the prepared host document.
func (a *Application) Shell() []byte {
	return a.shell.Load().body
}

// Reload re-reads the host document. On failure the previous document keeps
// being served.
func (a *Application) Reload() error {
	s, err := prepareShell(a.fsys, a.opts)
	if err != nil {
		return err
	}
	a.shell.Store(s)
	return nil
}

func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)
	filePath := strings.TrimPrefix(urlPath, "/")

	if filePath == "" || filePath == a.opts.Entry {
		a.serveShell(w, r)
		return
	}

	if info, err := fs.Stat(a.fsys, filePath); err == nil && !info.IsDir() {
		a.fileServer.ServeHTTP(w, r)
		return
	}

	// Paths with extensions are real file requests; only client-side routes
	// fall back to the host document.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	a.serveShell(w, r)
}

func (a *Application) serveShell(w http.ResponseWriter, r *http.Request) {
	s := a.shell.Load()
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, a.opts.Entry, s.modTime, bytes.NewReader(s.body))
}

func prepareShell(fsys fs.FS, opts MountOptions) (*shell, error) {
	data, err := fs.ReadFile(fsys, opts.Entry)
	if err != nil {
		return nil, fmt.Errorf("read host document %s: %w", opts.Entry, err)
	}

	if opts.Stylesheet != "" {
		if _, err := fs.Stat(fsys, opts.Stylesheet); err != nil {
			return nil, fmt.Errorf("stylesheet %s: %w", opts.Stylesheet, err)
		}
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse host document %s: %w", opts.Entry, err)
	}

	switch n := countByID(doc, opts.MountID); {
	case n == 0:
		return nil, fmt.Errorf("%w: #%s in %s", ErrMountPointMissing, opts.MountID, opts.Entry)
	case n > 1:
		return nil, fmt.Errorf("%w: #%s appears %d times in %s", ErrDuplicateMountPoint, opts.MountID, n, opts.Entry)
	}

	if opts.Stylesheet != "" && !hasStylesheet(doc, opts.Stylesheet) {
		head := findFirst(doc, atom.Head)
		if head == nil {
			return nil, fmt.Errorf("host document %s has no head", opts.Entry)
		}
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "link",
			DataAtom: atom.Link,
			Attr: []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: "/" + opts.Stylesheet},
			},
		})
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render host document: %w", err)
	}

	modTime := time.Now()
	if info, err := fs.Stat(fsys, opts.Entry); err == nil {
		modTime = info.ModTime()
	}
	return &shell{body: buf.Bytes(), modTime: modTime}, nil
}

func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func countByID(doc *html.Node, id string) int {
	count := 0
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if v, ok := attr(n, "id"); ok && v == id {
				count++
			}
		}
		return true
	})
	return count
}

func hasStylesheet(doc *html.Node, stylesheet string) bool {
	found := false
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.Link {
			return true
		}
		rel, _ := attr(n, "rel")
		href, _ := attr(n, "href")
		if strings.EqualFold(strings.TrimSpace(rel), "stylesheet") && samePath(href, stylesheet) {
			found = true
			return false
		}
		return true
	})
	return found
}

// samePath compares a document href against a root-relative file path.
func samePath(href, file string) bool {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	if href == "" || strings.Contains(href, "://") {
		return false
	}
	return strings.TrimPrefix(path.Clean("/"+href), "/") == file
}

func findFirst(doc *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

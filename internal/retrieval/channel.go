package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// RemoteFileRecord identifies one recording on a node
type RemoteFileRecord struct {
	Node      string `json:"node"`
	RemoteDir string `json:"remote_dir"`
	Name      string `json:"name"`
}

// RemotePath returns the slash-separated path of the file on the node.
func (r RemoteFileRecord) RemotePath() string {
	return path.Join(r.RemoteDir, r.Name)
}

func (r RemoteFileRecord) validate() error {
	if r.Node == "" {
		return fmt.Errorf("record has no node")
	}
	if r.RemoteDir == "" {
		return fmt.Errorf("record %q has no remote directory", r.Name)
	}
	if r.Name == "" || r.Name == "." || r.Name == ".." || strings.ContainsAny(r.Name, `/\`) {
		return fmt.Errorf("invalid file name %q", r.Name)
	}
	return nil
}

// Channel moves files off one node. Download overwrites localPath and Delete
// of a missing file succeeds, so both may be retried.
type Channel interface {
	Download(ctx context.Context, remoteDir, name, localPath string) (int64, error)
	Delete(ctx context.Context, remoteDir, name string) error
	Close() error
}

// Dialer opens a Channel to the named node.
type Dialer interface {
	Dial(ctx context.Context, node string) (Channel, error)
}

// LocalDialer serves nodes whose storage is reachable on the local
// filesystem, such as a node daemon running on the controller host or a
// mounted share. Remote directories are used as local paths.
type LocalDialer struct{}

// Dial implements Dialer
func (LocalDialer) Dial(ctx context.Context, node string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return localChannel{}, nil
}

type localChannel struct{}

func (localChannel) Download(ctx context.Context, remoteDir, name, localPath string) (int64, error) {
	src, err := os.Open(filepath.Join(filepath.FromSlash(remoteDir), name))
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, contextReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (localChannel) Delete(_ context.Context, remoteDir, name string) error {
	err := os.Remove(filepath.Join(filepath.FromSlash(remoteDir), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (localChannel) Close() error {
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
)

// Endpoint holds the SSH coordinates of one node
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	KeyFile  string
}

// SFTPDialer opens SFTP sessions to nodes over SSH.
type SFTPDialer struct {
	endpoints       map[string]Endpoint
	signers         map[string]ssh.Signer
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration
	logger          *slog.Logger
}

// NewSFTPDialer builds a dialer for the configured nodes. Per-node
// credentials override the shared transfer credentials. Key files and the
// known_hosts file are read once here.
func NewSFTPDialer(cfg *config.TransferConfig, nodes []config.NodeEntry, logger *slog.Logger) (*SFTPDialer, error) {
	d := &SFTPDialer{
		endpoints: make(map[string]Endpoint, len(nodes)),
		signers:   make(map[string]ssh.Signer),
		timeout:   cfg.GetTimeoutDuration(),
		logger:    logger,
	}

	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		d.hostKeyCallback = cb
	} else {
		logger.Warn("No known_hosts file configured, node host keys will not be verified")
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	for _, n := range nodes {
		ep := Endpoint{
			Host:     n.Address,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			KeyFile:  cfg.KeyFile,
		}
		if n.Username != "" {
			ep.Username = n.Username
		}
		if n.Password != "" {
			ep.Password = n.Password
		}
		if n.KeyFile != "" {
			ep.KeyFile = n.KeyFile
		}
		if ep.Password == "" && ep.KeyFile == "" {
			return nil, fmt.Errorf("node %s: no password or key file configured", n.Name)
		}

		if ep.KeyFile != "" {
			if _, ok := d.signers[ep.KeyFile]; !ok {
				signer, err := loadSigner(ep.KeyFile)
				if err != nil {
					return nil, fmt.Errorf("node %s: %w", n.Name, err)
				}
				d.signers[ep.KeyFile] = signer
			}
		}
		d.endpoints[n.Name] = ep
	}

	return d, nil
}

func loadSigner(file string) (ssh.Signer, error) {
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", file, err)
	}
	return signer, nil
}

func (d *SFTPDialer) clientConfig(ep Endpoint) *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if signer, ok := d.signers[ep.KeyFile]; ok {
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		auth = append(auth, ssh.Password(ep.Password))
	}
	return &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.timeout,
	}
}

// Dial implements Dialer
func (d *SFTPDialer) Dial(ctx context.Context, node string) (Channel, error) {
	ep, ok := d.endpoints[node]
	if !ok {
		return nil, fmt.Errorf("no transfer endpoint for node %s", node)
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// The handshake has no context parameter; bound it with a deadline.
	conn.SetDeadline(time.Now().Add(d.timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientConfig(ep))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open sftp session on %s: %w", addr, err)
	}

	d.logger.Debug("SFTP session opened",
		slog.String("node", node),
		slog.String("address", addr),
		slog.String("user", ep.Username))

	return &sftpChannel{ssh: client, sftp: sc}, nil
}

type sftpChannel struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *sftpChannel) Download(ctx context.Context, remoteDir, name, localPath string) (int64, error) {
	// A cancelled download tears down the session; the retriever dials
	// again for the next batch.
	stop := context.AfterFunc(ctx, func() {
		c.ssh.Close()
	})
	defer stop()

	src, err := c.sftp.Open(path.Join(remoteDir, name))
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}

	n, err := src.WriteTo(dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return n, err
}

func (c *sftpChannel) Delete(ctx context.Context, remoteDir, name string) error {
	stop := context.AfterFunc(ctx, func() {
		c.ssh.Close()
	})
	defer stop()

	err := c.sftp.Remove(path.Join(remoteDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *sftpChannel) Close() error {
	err := c.sftp.Close()
	if cerr := c.ssh.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

package sftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol"
	"github.com/yarkm13/skiff/internal/session"
)

// SCPDriver browses with SFTP but moves file content with the scp
// sink/source protocol over a fresh SSH channel per file.
type SCPDriver struct {
	*Driver
}

// NewSCP creates a disconnected SCP driver.
func NewSCP(opts Options) *SCPDriver {
	return &SCPDriver{Driver: New(opts)}
}

func (d *SCPDriver) Protocol() string { return session.ProtocolSCP }

func (d *SCPDriver) sshClient() (*ssh.Client, error) {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.conn.client == nil {
		return nil, &session.ConnectionError{Host: d.conn.addr, Err: io.ErrClosedPipe}
	}
	return d.conn.client, nil
}

// Open always streams from the start; the session skips to offset.
func (d *SCPDriver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	client, err := d.sshClient()
	if err != nil {
		return nil, 0, err
	}
	s, err := client.NewSession()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create session: %w", err)
	}
	stdout, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, 0, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stdin, err := s.StdinPipe()
	if err != nil {
		s.Close()
		return nil, 0, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	cmd := "scp -f " + quote(p.Absolute())
	d.cmd("%s", cmd)
	if err := s.Start(cmd); err != nil {
		s.Close()
		return nil, 0, fmt.Errorf("failed to start scp command: %w", err)
	}

	r := &sinkReader{
		session: s,
		stdin:   stdin,
		reader:  bufio.NewReader(stdout),
		writer:  bufio.NewWriter(stdin),
	}
	size, err := r.begin()
	if err != nil {
		r.session.Close()
		return nil, 0, fmt.Errorf("%s: %w", p.Absolute(), err)
	}
	d.cmd("C %d %s", size, p.Name())
	return r, 0, nil
}

// sinkReader plays the receiving side of `scp -f`.
type sinkReader struct {
	session *ssh.Session
	stdin   io.WriteCloser
	reader  *bufio.Reader
	writer  *bufio.Writer
	body    io.Reader
	size    int64
	read    int64
}

// begin asks for the file and parses its header line, for example
// "C0664 1024 test.txt": mode, size and name.
func (r *sinkReader) begin() (int64, error) {
	if err := writeByte(r.writer, 0); err != nil {
		return 0, fmt.Errorf("failed to write initial null byte: %w", err)
	}
	size, err := readHeader(r.reader)
	if err != nil {
		return 0, err
	}
	if err := writeByte(r.writer, 0); err != nil {
		return 0, fmt.Errorf("failed to acknowledge metadata: %w", err)
	}
	r.size = size
	r.body = io.LimitReader(r.reader, size)
	return size, nil
}

func readHeader(r *bufio.Reader) (int64, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("failed to read file metadata: %w", err)
		}
		switch {
		case len(line) > 0 && (line[0] == 1 || line[0] == 2):
			return 0, fmt.Errorf("scp: %s", strings.TrimSpace(line[1:]))
		case strings.HasPrefix(line, "T"):
			// timestamps precede the header when -p is in effect
			continue
		case strings.HasPrefix(line, "C"):
			fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
			if len(fields) != 3 {
				return 0, fmt.Errorf("unexpected SCP metadata format: %q", line)
			}
			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid file size: %w", err)
			}
			return size, nil
		default:
			return 0, fmt.Errorf("unexpected SCP metadata format: %q", line)
		}
	}
}

func (r *sinkReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	r.read += int64(n)
	return n, err
}

func (r *sinkReader) Close() error {
	defer r.session.Close()
	if r.read < r.size {
		// an abandoned transfer leaves the channel unusable anyway
		return nil
	}
	if b, err := r.reader.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("unexpected trailing byte: %v", b)
	}
	if err := writeByte(r.writer, 0); err != nil {
		return fmt.Errorf("failed to send final null byte: %w", err)
	}
	r.stdin.Close()
	return r.session.Wait()
}

// Create spools the content locally because scp announces the size before
// the data. Appending re-sends the existing prefix.
func (d *SCPDriver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	var prefix io.Reader
	if offset > 0 {
		r, _, err := d.Open(ctx, p, 0)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		prefix = io.LimitReader(r, offset)
	}
	mode := paths.Permission(0644)
	if p.Attributes.Permission.Known() {
		mode = p.Attributes.Permission
	}
	return protocol.Spool(prefix, func(body io.ReadSeeker, size int64) error {
		return d.send(p, mode, body, size)
	})
}

func (d *SCPDriver) send(p *paths.Path, mode paths.Permission, body io.Reader, size int64) error {
	client, err := d.sshClient()
	if err != nil {
		return err
	}
	s, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer s.Close()
	stdout, err := s.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stdin, err := s.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	cmd := "scp -t " + quote(path.Dir(p.Absolute()))
	d.cmd("%s", cmd)
	if err := s.Start(cmd); err != nil {
		return fmt.Errorf("failed to start scp command: %w", err)
	}

	if err := writeFile(bufio.NewReader(stdout), bufio.NewWriter(stdin), mode, p.Name(), body, size); err != nil {
		return fmt.Errorf("%s: %w", p.Absolute(), err)
	}
	stdin.Close()
	return s.Wait()
}

// writeFile plays the sending side of `scp -t` for one file.
func writeFile(r *bufio.Reader, w *bufio.Writer, mode paths.Permission, name string, body io.Reader, size int64) error {
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", int(mode), size, name); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := io.CopyN(w, body, size); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := writeByte(w, 0); err != nil {
		return err
	}
	return readAck(r)
}

func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read acknowledgment: %w", err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp: %s", strings.TrimSpace(msg))
}

func writeByte(w *bufio.Writer, b byte) error {
	if _, err := w.Write([]byte{b}); err != nil {
		return err
	}
	return w.Flush()
}

func quote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

var _ session.Driver = (*SCPDriver)(nil)

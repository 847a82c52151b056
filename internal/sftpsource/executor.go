package sftpsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/go-shortid"
	"github.com/pkg/sftp"
	"github.com/rs/xid"
	"github.com/streadway/amqp"
	"golang.org/x/crypto/ssh"

	"github.com/1Optic/cortex-dispatcher/internal/amqpgw"
	"github.com/1Optic/cortex-dispatcher/internal/config"
	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
	"github.com/1Optic/cortex-dispatcher/internal/metrics"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
)

// DefaultMaxRetries is the number of transient failures of a job after
// which it is routed to the dead-letter path instead of being
// NACK-requeued.
const DefaultMaxRetries = 5

// Executor consumes download jobs for one or more configured SFTP
// sources and materializes them under StorageRoot.
type Executor struct {
	Sources     []config.SftpSource
	StorageRoot string
	MaxRetries  int

	Bus     *events.Bus
	Store   *registry.Store
	Gateway *amqpgw.Gateway
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	pool    *pool
	retries *retryTracker
}

// Run starts one consumer goroutine per configured source and blocks
// until ctx is cancelled or a source's consumer fails fatally.
func (e *Executor) Run(ctx context.Context) kv.Error {
	if e.pool == nil {
		e.pool = newPool()
	}
	if e.retries == nil {
		e.retries = newRetryTracker()
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	defer e.pool.close()

	errC := make(chan kv.Error, len(e.Sources))
	for _, src := range e.Sources {
		src := src
		go func() {
			errC <- e.runSource(ctx, src)
		}()
	}

	for range e.Sources {
		select {
		case err := <-errC:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (e *Executor) runSource(ctx context.Context, src config.SftpSource) kv.Error {
	consumer, errGo := e.Gateway.Consume(src.JobQueue, 4)
	if errGo != nil {
		return errGo
	}
	defer consumer.Close()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(func(d amqp.Delivery) amqpgw.HandlerResult {
			return e.handleDelivery(ctx, src, d)
		})
	}()

	select {
	case <-ctx.Done():
		return nil
	case errGo := <-done:
		if errGo == nil {
			return nil
		}
		return errkind.Wrap(errkind.TransientIO, errGo, "sftp job consumer stopped").With("stack", stack.Trace().TrimRuntime()).With("source", src.Name)
	}
}

func (e *Executor) handleDelivery(ctx context.Context, src config.SftpSource, d amqp.Delivery) amqpgw.HandlerResult {
	var job amqpgw.DownloadJob
	if errGo := json.Unmarshal(d.Body, &job); errGo != nil {
		if e.Logger != nil {
			e.Logger.Warn("malformed download job, dropping", "source", src.Name, "error", errGo)
		}
		return amqpgw.NackDrop
	}

	result, err := e.process(ctx, src, job)
	if err == nil {
		e.retries.reset(job.Source + "\x00" + job.Path)
		return result
	}

	kind := errkind.Of(err)
	if e.Metrics != nil {
		e.Metrics.CountError(err)
	}
	if e.Logger != nil {
		e.Logger.Warn("sftp job failed", "source", src.Name, "path", job.Path, "error", err, "kind", kind)
	}

	switch kind {
	case errkind.Data:
		e.deadLetter(ctx, job, err, 1)
		return amqpgw.NackDrop
	case errkind.TransientIO:
		attempts := e.retries.increment(job.Source + "\x00" + job.Path)
		if attempts >= e.MaxRetries {
			e.deadLetter(ctx, job, err, attempts)
			return amqpgw.NackDrop
		}
		return amqpgw.NackRequeue
	default:
		return amqpgw.NackRequeue
	}
}

// deadLetter records a failed job in the dead-letter table, tagging the log
// line with a short correlation id so operators can grep the registry and
// the logs for the same failure.
func (e *Executor) deadLetter(ctx context.Context, job amqpgw.DownloadJob, err kv.Error, attempts int) {
	corrID, errGo := shortid.Generate()
	if errGo != nil {
		corrID = "unknown"
	}
	if recErr := e.Store.RecordDeadLetter(ctx, job.Source, job.Path, err.Error(), attempts); recErr != nil && e.Logger != nil {
		e.Logger.Warn("failed to record dead letter", "correlation", corrID, "source", job.Source, "path", job.Path, "error", recErr)
		return
	}
	if e.Logger != nil {
		e.Logger.Warn("job routed to dead letter", "correlation", corrID, "source", job.Source, "path", job.Path, "attempts", attempts)
	}
}

// remoteOpener opens a path on the remote source; satisfied by the pooled
// *sftp.Client in production and by a fake in tests.
type remoteOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// sftpOpener adapts a pooled *sftp.Client to remoteOpener.
type sftpOpener struct{ client *sftp.Client }

func (o sftpOpener) Open(path string) (io.ReadCloser, error) {
	return o.client.Open(path)
}

// process resolves the pooled connection for src and downloads job.
func (e *Executor) process(ctx context.Context, src config.SftpSource, job amqpgw.DownloadJob) (amqpgw.HandlerResult, kv.Error) {
	client, err := e.client(ctx, src)
	if err != nil {
		return amqpgw.NackRequeue, err
	}
	return e.download(ctx, src, job, sftpOpener{client: client})
}

// download streams the remote file to a temp path while hashing, verifies
// the hash, renames it into place, and records the download and the
// resulting file event.
func (e *Executor) download(ctx context.Context, src config.SftpSource, job amqpgw.DownloadJob, opener remoteOpener) (amqpgw.HandlerResult, kv.Error) {
	remote, errGo := opener.Open(job.Path)
	if errGo != nil {
		return amqpgw.NackDrop, errkind.Wrap(errkind.Data, errGo, "remote file missing").With("stack", stack.Trace().TrimRuntime()).With("path", job.Path)
	}
	defer remote.Close()

	destPath := filepath.Join(e.StorageRoot, src.Name, job.Path)
	if errGo := os.MkdirAll(filepath.Dir(destPath), 0o755); errGo != nil {
		return amqpgw.NackRequeue, errkind.Wrap(errkind.PersistentIO, errGo, "create destination directory").With("stack", stack.Trace().TrimRuntime())
	}

	tmpPath := destPath + ".tmp-" + xid.New().String()
	tmp, errGo := os.Create(tmpPath)
	if errGo != nil {
		return amqpgw.NackRequeue, errkind.Wrap(errkind.PersistentIO, errGo, "create temp file").With("stack", stack.Trace().TrimRuntime())
	}

	digest := sha256.New()
	size, errGo := io.Copy(io.MultiWriter(tmp, digest), remote)
	closeErr := tmp.Close()
	if errGo != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if errGo == nil {
			errGo = closeErr
		}
		return amqpgw.NackRequeue, errkind.Wrap(errkind.TransientIO, errGo, "stream remote file").With("stack", stack.Trace().TrimRuntime()).With("path", job.Path)
	}

	hash := hex.EncodeToString(digest.Sum(nil))
	if job.Hash != "" && job.Hash != hash {
		_ = os.Remove(tmpPath)
		return amqpgw.NackDrop, errkind.New(errkind.Data, "hash mismatch").With("path", job.Path).With("expected", job.Hash).With("actual", hash)
	}

	if errGo := os.Rename(tmpPath, destPath); errGo != nil {
		_ = os.Remove(tmpPath)
		return amqpgw.NackRequeue, errkind.Wrap(errkind.PersistentIO, errGo, "rename into place").With("stack", stack.Trace().TrimRuntime())
	}

	dlID, err := e.Store.RecordSftpDownload(ctx, src.Name, job.Path, &size)
	if err != nil {
		return amqpgw.NackRequeue, err
	}

	evt := events.FileEvent{
		Source:   src.Name,
		Path:     destPath,
		Size:     size,
		Modified: fileModTime(destPath),
		Hash:     hash,
		Origin:   events.OriginSftpDownload,
		OriginID: dlID,
	}
	if errPub := e.Bus.Publish(ctx, evt); errPub != nil {
		return amqpgw.NackRequeue, errkind.Wrap(errkind.Cancelled, errPub, "publish file event").With("stack", stack.Trace().TrimRuntime())
	}

	if e.Logger != nil {
		e.Logger.Debug("sftp download complete", "source", src.Name, "path", job.Path, "size", humanize.Bytes(uint64(size)))
	}

	return amqpgw.Ack, nil
}

func fileModTime(path string) time.Time {
	info, errGo := os.Stat(path)
	if errGo != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// client resolves (connecting if necessary) the pooled SFTP client for src.
// After a failed attempt, the next attempt first waits out the source's
// backoff.
func (e *Executor) client(ctx context.Context, src config.SftpSource) (*sftp.Client, kv.Error) {
	c := e.pool.get(src.Name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Ready && c.client != nil {
		return c.client, nil
	}

	if c.state == Failed {
		select {
		case <-time.After(c.backoff.next()):
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "sftp reconnect cancelled").With("stack", stack.Trace().TrimRuntime()).With("source", src.Name)
		}
	}

	c.state = Connecting
	authMethods, errGo := authMethodsFor(src)
	if errGo != nil {
		c.state = Failed
		return nil, errkind.Wrap(errkind.Config, errGo, "build sftp auth").With("stack", stack.Trace().TrimRuntime()).With("source", src.Name)
	}

	sshClient, errGo := ssh.Dial("tcp", src.Address, &ssh.ClientConfig{
		User:            src.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if errGo != nil {
		c.state = Failed
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "dial sftp host").With("stack", stack.Trace().TrimRuntime()).With("source", src.Name)
	}

	sftpClient, errGo := sftp.NewClient(sshClient)
	if errGo != nil {
		_ = sshClient.Close()
		c.state = Failed
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "open sftp session").With("stack", stack.Trace().TrimRuntime()).With("source", src.Name)
	}

	c.ssh = sshClient
	c.client = sftpClient
	c.state = Ready
	c.backoff.reset()
	return sftpClient, nil
}

func authMethodsFor(src config.SftpSource) ([]ssh.AuthMethod, error) {
	if src.PrivateKeyPath != "" {
		key, errGo := os.ReadFile(src.PrivateKeyPath)
		if errGo != nil {
			return nil, errGo
		}
		signer, errGo := ssh.ParsePrivateKey(key)
		if errGo != nil {
			return nil, errGo
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(src.Password)}, nil
}

// Package backup copies a log file and its index snapshot to and from
// an S3-compatible bucket.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kjk/logkv/atomicfile"
	"github.com/kjk/logkv/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/octet-stream"

type Config struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// objects are stored as ${Prefix}/${file name}
	Prefix string
	// use http instead of https, for local minio
	Insecure     bool
	RequestTrace io.Writer
}

// ConfigFromEnv builds Config from LOGKV_S3_* environment variables
func ConfigFromEnv() *Config {
	return &Config{
		Access:   os.Getenv("LOGKV_S3_ACCESS"),
		Secret:   os.Getenv("LOGKV_S3_SECRET"),
		Bucket:   os.Getenv("LOGKV_S3_BUCKET"),
		Endpoint: os.Getenv("LOGKV_S3_ENDPOINT"),
		Region:   os.Getenv("LOGKV_S3_REGION"),
		Prefix:   os.Getenv("LOGKV_S3_PREFIX"),
		Insecure: os.Getenv("LOGKV_S3_INSECURE") == "true",
	}
}

// Validate returns an error naming the first missing required field
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("must provide config")
	}
	var missing []string
	if c.Access == "" {
		missing = append(missing, "Access")
	}
	if c.Secret == "" {
		missing = append(missing, "Secret")
	}
	if c.Bucket == "" {
		missing = append(missing, "Bucket")
	}
	if c.Endpoint == "" {
		missing = append(missing, "Endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RemotePath returns the object name for a local file
func (c *Config) RemotePath(localPath string) string {
	name := filepath.Base(localPath)
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

type Client struct {
	Client *minio.Client
	config *Config
	Bucket string
}

func ctx() context.Context {
	return context.Background()
}

// New creates a client and checks that the bucket exists
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := config
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx(), c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &Client{
		Client: mc,
		config: config,
		Bucket: c.Bucket,
	}, nil
}

// Exists returns true if an object for localPath is in the bucket
func (c *Client) Exists(localPath string) bool {
	remotePath := c.config.RemotePath(localPath)
	_, err := c.Client.StatObject(ctx(), c.Bucket, remotePath, minio.StatObjectOptions{})
	return err == nil
}

func (c *Client) uploadFile(localPath string) error {
	remotePath := c.config.RemotePath(localPath)
	opts := minio.PutObjectOptions{
		ContentType: contentType,
	}
	info, err := c.Client.FPutObject(ctx(), c.Bucket, remotePath, localPath, opts)
	if err != nil {
		return fmt.Errorf("upload of '%s' as '%s' failed: %w", localPath, remotePath, err)
	}
	log.Verbosef("backup: uploaded '%s' as '%s', %d bytes\n", localPath, remotePath, info.Size)
	return nil
}

// Upload uploads the log file and, if indexPath is given and exists, its snapshot.
// The log must not be written to while it's being uploaded.
func (c *Client) Upload(logPath string, indexPath string) error {
	if err := c.uploadFile(logPath); err != nil {
		return err
	}
	if indexPath == "" {
		return nil
	}
	if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return c.uploadFile(indexPath)
}

// DownloadFileAtomically downloads the object for localPath to localPath.
// An existing file is only replaced after the download succeeds.
func (c *Client) DownloadFileAtomically(localPath string) error {
	remotePath := c.config.RemotePath(localPath)
	obj, err := c.Client.GetObject(ctx(), c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	// ensure there's a dir for destination file
	if err = os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	f, err := atomicfile.New(localPath)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	n, err := io.Copy(f, obj)
	if err != nil {
		return fmt.Errorf("download of '%s' failed: %w", remotePath, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	log.Verbosef("backup: downloaded '%s' to '%s', %d bytes\n", remotePath, localPath, n)
	return nil
}

// Download restores the log file and, if indexPath is given, its snapshot.
// A snapshot missing in the bucket is not an error: the store rebuilds
// the index from the log.
func (c *Client) Download(logPath string, indexPath string) error {
	if err := c.DownloadFileAtomically(logPath); err != nil {
		return err
	}
	if indexPath == "" || !c.Exists(indexPath) {
		return nil
	}
	return c.DownloadFileAtomically(indexPath)
}

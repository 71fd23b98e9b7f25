package archivejob

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// Config is the job's fully-resolved ABI input, read from the environment by
// cmd/codehub-archiver's main.
type Config struct {
	ArchiveURL string // e.g. s3://bucket/archives/{id}/{op_id}/home.tar.zst
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseTLS     bool
	DataDir    string // mounted volume, /data
	ScratchDir string // ephemeral scratch, /tmp
}

// ConfigFromEnv reads the job ABI from the process environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		ArchiveURL: os.Getenv(EnvArchiveURL),
		Endpoint:   os.Getenv(EnvS3Endpoint),
		AccessKey:  os.Getenv(EnvS3AccessKey),
		SecretKey:  os.Getenv(EnvS3SecretKey),
		UseTLS:     os.Getenv(EnvS3UseTLS) == "true",
		DataDir:    firstNonEmpty(os.Getenv(EnvDataDir), "/data"),
		ScratchDir: firstNonEmpty(os.Getenv(EnvScratchDir), "/tmp"),
	}
	if cfg.ArchiveURL == "" {
		return cfg, fmt.Errorf("%s is required", EnvArchiveURL)
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c Config) bucketAndKey() (bucket, key string, err error) {
	u := strings.TrimPrefix(c.ArchiveURL, "s3://")
	if u == c.ArchiveURL {
		return "", "", fmt.Errorf("unsupported archive url scheme: %s", c.ArchiveURL)
	}
	parts := strings.SplitN(u, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed archive url: %s", c.ArchiveURL)
	}
	return parts[0], parts[1], nil
}

func (c Config) metaKey() (string, error) {
	_, key, err := c.bucketAndKey()
	if err != nil {
		return "", err
	}
	return key + ".meta", nil
}

// withRetry runs fn up to DefaultMaxInternalRetries times, stopping at the
// first success. It only wraps the job's own network calls to object
// storage — tar/checksum steps are deterministic and a retry can't change
// their outcome.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= DefaultMaxInternalRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < DefaultMaxInternalRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return err
}

func (c Config) client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
	}
	if c.Endpoint != "" {
		scheme := "http"
		if c.UseTLS {
			scheme = "https"
		}
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: scheme + "://" + c.Endpoint, HostnameImmutable: true}, nil
			})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = c.Endpoint != "" }), nil
}

// RunArchive implements the §4.1.1 archive steps: HEAD-skip if both blob and
// meta already exist, else tar+zstd /data into scratch, sha256 it, upload
// blob then meta.
func RunArchive(ctx context.Context, cfg Config) error {
	bucket, key, err := cfg.bucketAndKey()
	if err != nil {
		return fail("ARCHIVE_URL_INVALID", err)
	}
	metaKey, err := cfg.metaKey()
	if err != nil {
		return fail("ARCHIVE_URL_INVALID", err)
	}

	client, err := cfg.client(ctx)
	if err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}

	if blobExists, metaExists := headBoth(ctx, client, bucket, key, metaKey); blobExists && metaExists {
		emit("HEAD_CHECK", "SKIP", "")
		return nil
	}
	emit("HEAD_CHECK", "MISS", "")

	scratchPath := filepath.Join(cfg.ScratchDir, "home.tar.zst")
	sum, err := tarZstd(cfg.DataDir, scratchPath)
	if err != nil {
		return fail("TAR_EXTRACT_FAILED", err)
	}
	emit("COMPRESS", "OK", "")

	if err := withRetry(ctx, func() error { return uploadFile(ctx, client, bucket, key, scratchPath) }); err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}
	emit("UPLOAD_BLOB", "OK", "")

	if err := withRetry(ctx, func() error { return uploadBytes(ctx, client, bucket, metaKey, []byte("sha256:"+sum)) }); err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}
	emit("UPLOAD_META", "OK", "")

	_ = os.Remove(scratchPath)
	emit("ARCHIVE", "SUCCESS", "")
	return nil
}

// RunRestore implements the §4.1.1 restore steps: download blob+meta, verify
// checksum, extract to staging, rsync-with-delete semantics into /data.
func RunRestore(ctx context.Context, cfg Config) error {
	bucket, key, err := cfg.bucketAndKey()
	if err != nil {
		return fail("ARCHIVE_URL_INVALID", err)
	}
	metaKey, err := cfg.metaKey()
	if err != nil {
		return fail("ARCHIVE_URL_INVALID", err)
	}

	client, err := cfg.client(ctx)
	if err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}

	blobExists, metaExists := headBoth(ctx, client, bucket, key, metaKey)
	if !blobExists {
		return fail("ARCHIVE_NOT_FOUND", fmt.Errorf("missing blob %s", key))
	}
	if !metaExists {
		return fail("META_NOT_FOUND", fmt.Errorf("missing meta %s", metaKey))
	}

	scratchPath := filepath.Join(cfg.ScratchDir, "home.tar.zst")
	if err := withRetry(ctx, func() error { return downloadFile(ctx, client, bucket, key, scratchPath) }); err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}
	emit("DOWNLOAD_BLOB", "OK", "")

	var metaBytes []byte
	if err := withRetry(ctx, func() (err error) { metaBytes, err = downloadBytes(ctx, client, bucket, metaKey); return }); err != nil {
		return fail("S3_ACCESS_ERROR", err)
	}
	expectedSum := strings.TrimPrefix(strings.TrimSpace(string(metaBytes)), "sha256:")

	actualSum, err := sha256File(scratchPath)
	if err != nil {
		return fail("CHECKSUM_MISMATCH", err)
	}
	if actualSum != expectedSum {
		return fail("CHECKSUM_MISMATCH", fmt.Errorf("checksum mismatch: want %s got %s", expectedSum, actualSum))
	}
	emit("VERIFY_CHECKSUM", "OK", "")

	stagingDir := filepath.Join(cfg.ScratchDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fail("DISK_FULL", err)
	}
	if err := untarZstd(scratchPath, stagingDir); err != nil {
		return fail("TAR_EXTRACT_FAILED", err)
	}
	emit("EXTRACT", "OK", "")

	if err := syncDelete(stagingDir, cfg.DataDir); err != nil {
		return fail("TAR_EXTRACT_FAILED", err)
	}
	emit("SYNC", "OK", "")

	_ = os.RemoveAll(stagingDir)
	_ = os.Remove(scratchPath)
	emit("RESTORE", "SUCCESS", "")
	return nil
}

func headBoth(ctx context.Context, client *s3.Client, bucket, key, metaKey string) (blob, meta bool) {
	_, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	blob = err == nil
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(metaKey)})
	meta = err == nil
	return
}

func uploadFile(ctx context.Context, client *s3.Client, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	uploader := manager.NewUploader(client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: f})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func uploadBytes(ctx context.Context, client *s3.Client, bucket, key string, data []byte) error {
	uploader := manager.NewUploader(client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: bytes.NewReader(data)})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *s3.Client, bucket, key, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	downloader := manager.NewDownloader(client)
	_, err = downloader.Download(ctx, writerAtFile{f}, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

func downloadBytes(ctx context.Context, client *s3.Client, bucket, key string) ([]byte, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// writerAtFile adapts *os.File to io.WriterAt for the s3manager Downloader.
type writerAtFile struct{ f *os.File }

func (w writerAtFile) WriteAt(p []byte, off int64) (int, error) { return w.f.WriteAt(p, off) }

func tarZstd(srcDir, destPath string) (sha256hex string, err error) {
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer out.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(out, hasher)

	zw, err := zstd.NewWriter(mw)
	if err != nil {
		return "", fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return "", fmt.Errorf("walking %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("closing tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("closing zstd writer: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func untarZstd(srcPath, destDir string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}

		// Refuse absolute paths and path-escape (§4.1.1).
		if filepath.IsAbs(hdr.Name) || strings.Contains(hdr.Name, "..") {
			return fmt.Errorf("refusing unsafe tar entry %q", hdr.Name)
		}
		target := filepath.Join(destDir, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			// --no-same-owner: never chown to the archived uid/gid.
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// syncDelete mirrors srcDir into destDir, removing destDir entries absent
// from srcDir (rsync --delete semantics, §4.1.1's restore step).
func syncDelete(srcDir, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	present := map[string]bool{}
	if err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		present[rel] = true
		target := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer dst.Close()
		_, err = io.Copy(dst, src)
		return err
	}); err != nil {
		return fmt.Errorf("copying staged files into %s: %w", destDir, err)
	}

	return filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == destDir {
			return err
		}
		rel, err := filepath.Rel(destDir, path)
		if err != nil {
			return err
		}
		if !present[rel] {
			return os.RemoveAll(path)
		}
		return nil
	})
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func emit(step, result, codehubError string) {
	fields := map[string]string{"STEP": step, "RESULT": result}
	if codehubError != "" {
		fields["CODEHUB_ERROR"] = codehubError
	}
	fmt.Println(FormatLogLine(fields))
}

func fail(codehubError string, cause error) error {
	emit(codehubError, "FAIL", codehubError)
	return fmt.Errorf("%s: %w", codehubError, cause)
}

package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// MinioOptions configures access to s3:// artifact sources.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// FetchOptions configures EnsureArtifact.
type FetchOptions struct {
	HTTPClient *http.Client
	Minio      MinioOptions
	Logger     *zap.Logger
}

var driveConfirmPattern = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)

// EnsureArtifact makes sure the model file exists at path, downloading it from
// source when it is missing. An existing file is used as is.
func EnsureArtifact(ctx context.Context, path, source string, opts FetchOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := os.Stat(path); err == nil {
		logger.Debug("model artifact present", zap.String("path", path))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat model artifact: %w", err)
	}

	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("model artifact %s is missing and no source is configured", path)
	}

	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("parse model source: %w", err)
	}

	logger.Info("downloading model artifact", zap.String("source", redactSource(u)), zap.String("path", path))

	switch u.Scheme {
	case "http", "https":
		client := opts.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		err = writeAtomically(path, func(w io.Writer) error {
			return fetchHTTP(ctx, client, u, w)
		})
	case "s3":
		err = fetchMinio(ctx, opts.Minio, u, path)
	default:
		err = fmt.Errorf("unsupported model source scheme %q", u.Scheme)
	}
	if err != nil {
		return err
	}

	logger.Info("model artifact downloaded", zap.String("path", path))
	return nil
}

func fetchHTTP(ctx context.Context, client *http.Client, u *url.URL, w io.Writer) error {
	resp, err := get(ctx, client, u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Google Drive answers large files with an HTML page asking to confirm
	// the download.
	if isHTML(resp) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read confirmation page: %w", err)
		}
		confirmed, err := confirmedURL(u, resp, body)
		if err != nil {
			return err
		}

		resp2, err := get(ctx, client, confirmed.String())
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		if isHTML(resp2) {
			return fmt.Errorf("model source %s still returned an HTML page after confirmation", confirmed.Host)
		}
		resp = resp2
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download model artifact: %w", err)
	}
	return nil
}

// confirmedURL builds the follow-up request for a Drive interstitial. The
// current page is a GET form with hidden inputs; older pages carry a
// confirm token in a link or a download_warning cookie.
func confirmedURL(u *url.URL, resp *http.Response, body []byte) (*url.URL, error) {
	if action, values, ok := downloadForm(body); ok {
		target, err := u.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("parse download form action: %w", err)
		}
		q := target.Query()
		for k, v := range values {
			q[k] = v
		}
		target.RawQuery = q.Encode()
		return target, nil
	}

	token := confirmToken(resp, body)
	if token == "" {
		return nil, fmt.Errorf("model source %s returned an HTML page instead of the artifact", u.Host)
	}
	confirmed := *u
	q := confirmed.Query()
	q.Set("confirm", token)
	confirmed.RawQuery = q.Encode()
	return &confirmed, nil
}

// downloadForm finds <form id="download-form"> and returns its action and
// hidden input values.
func downloadForm(body []byte) (string, url.Values, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", nil, false
	}
	form := findElement(doc, func(n *html.Node) bool {
		return n.Data == "form" && attr(n, "id") == "download-form"
	})
	if form == nil {
		return "", nil, false
	}

	values := url.Values{}
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" && attr(n, "type") == "hidden" {
			if name := attr(n, "name"); name != "" {
				values.Set(name, attr(n, "value"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(form)
	return attr(form, "action"), values, true
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("model download failed with status: %d", resp.StatusCode)
	}
	return resp, nil
}

func isHTML(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")
}

func confirmToken(resp *http.Response, body []byte) string {
	for _, c := range resp.Cookies() {
		if strings.HasPrefix(c.Name, "download_warning") {
			return c.Value
		}
	}
	if m := driveConfirmPattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func fetchMinio(ctx context.Context, opts MinioOptions, u *url.URL, path string) error {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("s3 source must look like s3://bucket/key, got %s", u.String())
	}
	if opts.Endpoint == "" {
		return errors.New("s3 model source requires a minio endpoint")
	}

	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}

	return writeAtomically(path, func(w io.Writer) error {
		obj, err := cli.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("get object %s/%s: %w", bucket, key, err)
		}
		defer obj.Close()

		if _, err := io.Copy(w, obj); err != nil {
			return fmt.Errorf("download object %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// writeAtomically streams into a temp file next to path and renames it into
// place only when fill succeeds and the content looks like an ONNX model.
func writeAtomically(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	head := &headWriter{limit: len(hdf5Magic)}
	if err := fill(io.MultiWriter(tmp, head)); err != nil {
		tmp.Close()
		return err
	}
	if err := checkONNX(head.buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("move model artifact into place: %w", err)
	}
	return nil
}

func redactSource(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

var hdf5Magic = []byte("\x89HDF\r\n\x1a\n")

// checkONNX rejects downloads that cannot be an ONNX ModelProto. Serialized
// models start with field 1 (ir_version) as a varint, tag byte 0x08.
func checkONNX(head []byte) error {
	switch {
	case len(head) == 0:
		return errors.New("downloaded model artifact is empty")
	case bytes.HasPrefix(head, hdf5Magic):
		return errors.New("downloaded model artifact is a Keras HDF5 file; point MODEL_URL at an ONNX export of the model")
	case bytes.HasPrefix(head, []byte("PK")):
		return errors.New("downloaded model artifact is a zip archive, not an ONNX model")
	case head[0] != 0x08:
		return fmt.Errorf("downloaded model artifact does not look like an ONNX model (first byte %#x)", head[0])
	}
	return nil
}

// headWriter keeps the first limit bytes written to it.
type headWriter struct {
	buf   []byte
	limit int
}

func (h *headWriter) Write(p []byte) (int, error) {
	if n := h.limit - len(h.buf); n > 0 {
		if n > len(p) {
			n = len(p)
		}
		h.buf = append(h.buf, p[:n]...)
	}
	return len(p), nil
}

// ArtifactDigest identifies a model file by a short sha256 of its contents.
func ArtifactDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

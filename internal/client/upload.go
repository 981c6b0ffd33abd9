package client

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"cachewise/internal/lifecycle"
	"cachewise/internal/policy"
	"cachewise/internal/result"
)

// UploadFile is one file sent as a multipart form part.
type UploadFile struct {
	Path string
	// Param is the form field name, "file" when empty.
	Param string
	// URL overrides the request URL for this file.
	URL        string
	OnProgress ProgressFunc
	OnComplete FileCallback
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
}

func contentTypeFor(path string) string {
	if t, ok := imageTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "application/octet-stream"
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// DoUploadFileSync uploads every file of r in order and returns one
// envelope per file. Form params of r are sent with each file.
func (c *Client) DoUploadFileSync(ctx context.Context, r Request) []result.Envelope {
	out := make([]result.Envelope, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, c.uploadOne(ctx, r, f))
	}
	return out
}

// DoUploadFileAsync uploads each file of r on its own worker. Results are
// delivered through each file's OnComplete.
func (c *Client) DoUploadFileAsync(ctx context.Context, r Request) error {
	for _, f := range r.Files {
		if err := c.spawn(func() { c.uploadOne(ctx, r, f) }); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) uploadOne(ctx context.Context, r Request, f UploadFile) result.Envelope {
	target := f.URL
	if target == "" {
		target = r.URL
	}
	if strings.TrimSpace(target) == "" {
		c.log.Warn().Str("file", f.Path).Msg("upload skipped, no url for file")
		env := result.New(result.CheckURL, nil)
		c.deliverFile(r.Scope, f.OnComplete, f.Path, env)
		return env
	}

	var size int64
	env, canceled := c.execute(ctx, r.Scope, policy.Override{Type: policy.ForceNetwork},
		func(ctx context.Context) (*http.Request, error) {
			req, n, err := c.buildUpload(ctx, target, r, f)
			size = n
			return req, err
		}, result.Classify)
	if canceled {
		return env
	}
	if env.OK() {
		c.metrics.RecordTransfer("upload", size)
	}
	c.deliverFile(r.Scope, f.OnComplete, f.Path, env)
	return env
}

// buildUpload streams the multipart body through a pipe so the file is never
// held in memory.
func (c *Client) buildUpload(ctx context.Context, target string, r Request, f UploadFile) (*http.Request, int64, error) {
	u, err := parseTarget(target)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("open upload: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("stat upload: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	go func() {
		defer file.Close()
		body := newProgressReader(file, f.Path, info.Size(), f.OnProgress, c.poster)
		pw.CloseWithError(writeMultipart(mw, r.Params, f, body))
	}()
	return req, info.Size(), nil
}

func writeMultipart(mw *multipart.Writer, params Params, f UploadFile, body io.Reader) error {
	for _, p := range params {
		if err := mw.WriteField(p.Name, p.Value); err != nil {
			return err
		}
	}
	name := f.Param
	if name == "" {
		name = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(name), quoteEscaper.Replace(filepath.Base(f.Path))))
	h.Set("Content-Type", contentTypeFor(f.Path))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) deliverFile(scope lifecycle.Scope, cb FileCallback, path string, env result.Envelope) {
	if cb == nil {
		return
	}
	scope = c.scopeOf(scope)
	c.poster.Post(func() {
		if c.registry.Canceled(scope) {
			return
		}
		cb(path, env)
	})
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
)

// uploader posts feeder videos to the server, retrying failed attempts.
type uploader struct {
	doer     goahttp.Doer
	url      string
	retries  int
	errorDir string
	out      io.Writer

	sleep func(time.Duration)
	now   func() time.Time
}

// upload sends path and returns the decoded JSON reply of the first
// successful attempt.
func (u *uploader) upload(ctx context.Context, path string) (map[string]any, error) {
	name := filepath.Base(path)
	var lastErr error

	for attempt := 1; attempt <= u.retries; attempt++ {
		result, body, status, err := u.attempt(ctx, path, name)
		switch {
		case err != nil:
			fmt.Fprintf(u.out, "attempt %d/%d failed: %v\n", attempt, u.retries, err)
			u.saveError(name, err.Error(), 0)
			lastErr = err
		case status < 200 || status > 299:
			fmt.Fprintf(u.out, "HTTP %d\n", status)
			u.saveError(name, body, status)
			lastErr = fmt.Errorf("server returned HTTP %d", status)
		case result == nil:
			fmt.Fprintf(u.out, "non-JSON response: %s\n", body)
			u.saveError(name, body, status)
			return nil, fmt.Errorf("server returned a non-JSON response")
		default:
			return result, nil
		}

		if attempt < u.retries {
			u.sleep(time.Duration(attempt) * 1500 * time.Millisecond)
		}
	}
	return nil, lastErr
}

func (u *uploader) attempt(ctx context.Context, path, name string) (map[string]any, string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", 0, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video_file"; filename="%s"`, strings.ReplaceAll(name, `"`, "")))
		h.Set("Content-Type", "video/mp4")
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, pr)
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.doer.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", resp.StatusCode, err
	}

	var result map[string]any
	if json.Unmarshal(data, &result) != nil {
		result = nil
	}
	return result, string(data), resp.StatusCode, nil
}

// saveError writes content to <errorDir>/err_<stem>_<unix>_<status>.html.
func (u *uploader) saveError(name, content string, status int) {
	if u.errorDir == "" {
		return
	}
	if err := os.MkdirAll(u.errorDir, 0o755); err != nil {
		fmt.Fprintf(u.out, "cannot save error report: %v\n", err)
		return
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	file := fmt.Sprintf("err_%s_%d_%d.html", safeFilename(stem), u.now().Unix(), status)
	path := filepath.Join(u.errorDir, file)

	report := "<html><body><pre>\n" + html.EscapeString(content) + "\n</pre></body></html>"
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		fmt.Fprintf(u.out, "cannot save error report: %v\n", err)
		return
	}
	fmt.Fprintf(u.out, "error saved: %s\n", path)
}

func safeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return -1
	}, s)
}

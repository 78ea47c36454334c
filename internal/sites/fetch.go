package sites

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"github.com/lox/quakeassoc/internal/config"
)

// FetchFTP downloads the station list described by cfg into dest, retrying
// transient failures with exponential backoff. The file is replaced atomically so
// a watcher never sees a partial list.
func FetchFTP(ctx context.Context, cfg config.Sites, dest string) error {
	if cfg.FTPHost == "" || cfg.FTPPath == "" {
		return fmt.Errorf("ftp station source not configured")
	}
	user, pass := cfg.FTPUser, cfg.FTPPassword
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	timeout := 30 * time.Second
	if cfg.FTPTimeout > 0 {
		timeout = time.Duration(cfg.FTPTimeout * float64(time.Second))
	}

	var body []byte
	operation := func() error {
		conn, err := ftp.Dial(cfg.FTPHost, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(user, pass); err != nil {
			return permanentIfRejected(fmt.Errorf("ftp login: %w", err))
		}

		resp, err := conn.Retr(cfg.FTPPath)
		if err != nil {
			return permanentIfRejected(fmt.Errorf("ftp retr: %w", err))
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read station list: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".stations-*")
	if err != nil {
		return fmt.Errorf("create temp station list: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write station list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close station list: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install station list: %w", err)
	}
	return nil
}

// permanentIfRejected stops retrying on 5xx FTP replies (bad credentials, missing file).
func permanentIfRejected(err error) error {
	var perr *textproto.Error
	if errors.As(err, &perr) && perr.Code >= 500 {
		return backoff.Permanent(err)
	}
	return err
}

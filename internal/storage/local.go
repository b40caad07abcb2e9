// Package storage はダウンロードしたページ画像のローカル保存を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	tempPattern = ".page-*.tmp"
)

// Local は出力ルート配下に書籍ごとのディレクトリを作って保存します。
type Local struct {
	root string
}

// NewLocal は root を出力先とする Local を作成します。
func NewLocal(root string) *Local {
	if root == "" {
		root = "."
	}
	return &Local{root: root}
}

// Root は出力ルートを返します。
func (l *Local) Root() string {
	return l.root
}

// BookDir は name のディレクトリを作成してパスを返します。
// name が絶対パスの場合はルートを無視してそのまま使います。
func (l *Local) BookDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("directory name is required")
	}
	dir := name
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(l.root, name)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return dir, nil
}

// PageBase は拡張子を除いたページファイルのパス（"001" 形式）を返します。page は 1 始まりです。
func PageBase(dir string, page int) string {
	return filepath.Join(dir, fmt.Sprintf("%03d", page))
}

// FindPage は拡張子を問わず既存のページファイルを探します。
func FindPage(dir string, page int) (string, bool) {
	matches, err := filepath.Glob(escapeGlob(PageBase(dir, page)) + ".*")
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		return m, true
	}
	return "", false
}

// Save は一時ファイルに書き込んでから rename します。途中で失敗した場合は path に何も残りません。
func (l *Local) Save(ctx context.Context, path string, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), filePerm); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

// RemoveStale は以前の実行で残った一時ファイルを削除します。
func RemoveStale(dir string) error {
	matches, err := filepath.Glob(filepath.Join(escapeGlob(dir), tempPattern))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListPages はディレクトリ内のページ画像をページ番号順に返します。
func ListPages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	pages := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".pdf") {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if len(base) < 3 || strings.Trim(base, "0123456789") != "" {
			continue
		}
		pages = append(pages, filepath.Join(dir, name))
	}
	sort.Strings(pages)
	return pages, nil
}

// escapeGlob はパス中のグロブ特殊文字をエスケープします。
func escapeGlob(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '[', ']', '*', '?':
			b.WriteRune('[')
			b.WriteRune(r)
			b.WriteRune(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
